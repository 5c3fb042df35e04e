package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/digest/am"
	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/pulse/async"
)

// RunCmd runs one CSV in the foreground
var RunCmd = &cobra.Command{
	Use:   "run <file.csv>",
	Short: "Run a CSV in the foreground",
	Long: `Run a CSV through the full pipeline and wait for the result.

The job is recorded like any other, so failed batches can be retried later
with 'digest jobs retry'.

Examples:
  digest run accounts.csv
  digest run accounts.csv --batch-size 5 --out posts.csv
  digest run accounts.csv --no-summary`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runBatchSize int
	runNoSummary bool
	runOut       string
)

func init() {
	RunCmd.Flags().IntVar(&runBatchSize, "batch-size", 0, "Rows per batch (default batching.default_batch_size)")
	RunCmd.Flags().BoolVar(&runNoSummary, "no-summary", false, "Finish after the merge without summarizing")
	RunCmd.Flags().StringVarP(&runOut, "out", "o", "", "Write the merged CSV to this file")
}

func runRun(cmd *cobra.Command, args []string) error {
	input := args[0]
	if !strings.EqualFold(filepath.Ext(input), ".csv") {
		return errors.New("Only CSV files are accepted")
	}

	a, err := openApp(appOptions{NoSummary: runNoSummary})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bar *pterm.ProgressbarPrinter
	done := 0
	observer := async.ObserverFunc(func(job *async.Job) {
		if bar == nil && job.TotalBatches > 0 {
			bar, _ = pterm.DefaultProgressbar.
				WithTotal(job.TotalBatches).
				WithTitle(fmt.Sprintf("%d users", job.TotalUsers)).
				Start()
		}
		if bar != nil && job.CompletedBatches > done {
			bar.Add(job.CompletedBatches - done)
			done = job.CompletedBatches
		}
	})

	job, ext, err := a.engine.Prepare(async.LaunchRequest{
		Input:     input,
		BatchSize: runBatchSize,
	})
	if err != nil {
		return err
	}
	pterm.Info.Printf("Job %s: %d users in %d batch(es)\n", job.ID, job.TotalUsers, job.TotalBatches)

	runErr := a.engine.Run(ctx, job, ext.Rows, observer)
	if bar != nil {
		_, _ = bar.Stop()
	}
	if runErr != nil {
		return runErr
	}

	detail, err := a.engine.GetJobStatus(job.ID)
	if err != nil {
		return err
	}
	printJobDetail(detail)

	if detail.Status != async.JobStatusDone {
		return errors.Newf("job %s %s: %s", job.ID, detail.Status, detail.Error)
	}

	if runOut != "" {
		csv, err := a.engine.MergedCSV(job.ID)
		if err != nil {
			return err
		}
		if err := os.WriteFile(runOut, []byte(csv), am.DefaultFilePermissions); err != nil {
			return errors.Wrapf(err, "failed to write %s", runOut)
		}
		pterm.Success.Printf("Merged CSV written to %s\n", runOut)
	}

	if summary, err := a.engine.Summary(job.ID); err == nil && summary != "" {
		pterm.DefaultSection.Println("Summary")
		fmt.Println(summary)
	}
	return nil
}
