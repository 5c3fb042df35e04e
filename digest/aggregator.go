package digest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/pulse/batch"
)

// ErrNoSuccessfulBatches is returned when a job has nothing to merge
var ErrNoSuccessfulBatches = errors.New("no successful batches to aggregate")

// MissingOutputsError lists succeeded batches whose output is absent
type MissingOutputsError struct {
	Indices []int
}

func (e *MissingOutputsError) Error() string {
	return fmt.Sprintf("missing outputs for batches: %v", e.Indices)
}

// Merged is the result of an aggregation
type Merged struct {
	CSV      string
	RowCount int // data rows, header excluded
	Batches  int // succeeded batches merged
}

// Aggregator merges the outputs of a job's succeeded batches in index
// order. The same records always produce byte-identical output.
type Aggregator struct {
	batches *batch.Store
}

// NewAggregator creates an aggregator over the batch store
func NewAggregator(batches *batch.Store) *Aggregator {
	return &Aggregator{batches: batches}
}

// Aggregate merges the succeeded batches of jobID
func (a *Aggregator) Aggregate(jobID string) (*Merged, error) {
	statuses, err := a.batches.List(jobID)
	if err != nil {
		return nil, err
	}

	var outputs []string
	var missing []int
	for _, st := range statuses {
		if st.State != batch.StateSucceeded {
			continue
		}
		out, err := a.batches.GetOutput(jobID, st.Index)
		if errors.IsNotFoundError(err) {
			missing = append(missing, st.Index)
			continue
		}
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out.CSV)
	}

	if len(outputs) == 0 && len(missing) == 0 {
		return nil, ErrNoSuccessfulBatches
	}
	if len(missing) > 0 {
		return nil, &MissingOutputsError{Indices: missing}
	}

	merged, rows, err := MergeCSV(outputs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to merge outputs of job %s", jobID)
	}
	return &Merged{CSV: merged, RowCount: rows, Batches: len(outputs)}, nil
}

// MergeCSV concatenates CSV documents that share a header. The header of
// the first non-empty document is kept and every later header is dropped.
// Fields are re-emitted quoted with \n line endings. No rows at all yields
// the quoted header placeholder.
func MergeCSV(docs []string) (string, int, error) {
	var records [][]string
	for _, doc := range docs {
		parsed, err := readRecords(doc)
		if err != nil {
			return "", 0, err
		}
		if len(parsed) == 0 {
			continue
		}
		if len(records) == 0 {
			records = append(records, parsed...)
		} else {
			records = append(records, parsed[1:]...)
		}
	}

	if len(records) == 0 {
		return batch.HeaderLine(), 0, nil
	}
	return batch.QuoteAll(records), len(records) - 1, nil
}

func readRecords(doc string) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(doc))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var records [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse batch output")
		}
		records = append(records, record)
	}
}
