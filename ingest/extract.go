// Package ingest reads the user list a job fans out over.
//
// Input files come from spreadsheet exports, so the reader is lenient about
// encoding (UTF-8 with or without BOM, GB18030, Latin-1), the delimiter
// (tab or comma) and the case of the identity column.
package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/teranos/digest/errors"
)

// IdentityColumns are tried in order, case-insensitively
var IdentityColumns = []string{"handle", "username", "screen_name"}

// Row is one input record keyed by its cleaned header name
type Row map[string]string

// Get looks a field up by exact name, then case-insensitively
func (r Row) Get(field string) string {
	if v, ok := r[field]; ok {
		return v
	}
	for k, v := range r {
		if strings.EqualFold(k, field) {
			return v
		}
	}
	return ""
}

// Extraction is the parsed input
type Extraction struct {
	Header         []string
	IdentityColumn string
	Encoding       string
	Handles        []string
	Rows           []Row
}

// ExtractFile reads and parses the input at path
func ExtractFile(path string) (*Extraction, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read input %s", path)
	}
	return Extract(raw)
}

// Extract parses raw input bytes
func Extract(raw []byte) (*Extraction, error) {
	text, encoding := decode(raw)

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = detectDelimiter(text)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.NewInvalidRequestError("CSV missing header row")
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to read CSV header"), errors.ErrInvalidRequest)
	}

	for i, name := range header {
		header[i] = cleanName(name)
	}
	if len(header) == 1 && header[0] == "" {
		return nil, errors.NewInvalidRequestError("CSV missing header row")
	}

	identity := identityColumn(header)
	if identity < 0 {
		found := make([]string, 0, len(header))
		for _, name := range header {
			found = append(found, strings.ToLower(name))
		}
		return nil, errors.NewInvalidRequestError(
			"CSV missing required column: Handle or username. Found columns: [%s]", strings.Join(found, ", "))
	}

	out := &Extraction{
		Header:         header,
		IdentityColumn: header[identity],
		Encoding:       encoding,
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to read CSV record"), errors.ErrInvalidRequest)
		}
		if identity >= len(record) {
			continue
		}
		handle := strings.TrimSpace(record[identity])
		if handle == "" {
			continue
		}

		row := make(Row, len(header))
		for i, name := range header {
			if name == "" || i >= len(record) {
				continue
			}
			row[name] = record[i]
		}
		out.Handles = append(out.Handles, handle)
		out.Rows = append(out.Rows, row)
	}

	if len(out.Handles) == 0 {
		return nil, errors.NewInvalidRequestError("No users found in CSV")
	}

	return out, nil
}

// decode returns the input as a UTF-8 string and the encoding it was read as
func decode(raw []byte) (string, string) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if utf8.Valid(raw) {
		return string(raw), "utf-8"
	}

	// GB18030 replaces undecodable sequences instead of failing
	if decoded, err := simplifiedchinese.GB18030.NewDecoder().Bytes(raw); err == nil &&
		!bytes.ContainsRune(decoded, utf8.RuneError) {
		return string(decoded), "gb18030"
	}

	// Latin-1 maps every byte
	decoded, _ := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	return string(decoded), "latin-1"
}

func detectDelimiter(text string) rune {
	firstLine, _, _ := strings.Cut(text, "\n")
	if strings.Count(firstLine, "\t") > strings.Count(firstLine, ",") {
		return '\t'
	}
	return ','
}

func cleanName(name string) string {
	return strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
}

func identityColumn(header []string) int {
	for _, want := range IdentityColumns {
		for i, name := range header {
			if strings.ToLower(name) == want {
				return i
			}
		}
	}
	return -1
}

// UserFields are rendered into the prompt, in order, when present
var UserFields = []string{"Handle", "Name", "Bio", "Location", "FollowersCount", "FollowingCount"}

// FormatUser renders a row as one prompt line
func FormatUser(row Row) string {
	parts := make([]string, 0, len(UserFields))
	for _, field := range UserFields {
		if value := strings.TrimSpace(row.Get(field)); value != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", field, value))
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, " | ")
	}

	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, row[k]))
	}
	return strings.Join(parts, ", ")
}

// FormatUsers renders rows one per line
func FormatUsers(rows []Row) string {
	lines := make([]string, len(rows))
	for i, row := range rows {
		lines[i] = FormatUser(row)
	}
	return strings.Join(lines, "\n")
}
