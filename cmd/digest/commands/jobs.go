package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/digest/am"
	"github.com/teranos/digest/digest"
	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/pulse/async"
	"github.com/teranos/digest/pulse/batch"
)

// JobsCmd groups job inspection and recovery
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect, retry and re-aggregate jobs",
	Long: `Inspect jobs and recover the ones that failed.

Examples:
  digest jobs ls                      # List recent jobs
  digest jobs show <id>               # Job detail with every batch
  digest jobs retry <id> <index>      # Re-run one batch and wait
  digest jobs aggregate <id>          # Merge what succeeded and summarize
  digest jobs download <id> -o x.csv  # Write the merged CSV`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent jobs, newest first",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and its batches",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id> <batch-index>",
	Short: "Re-run one batch of a job",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsRetry,
}

var jobsAggregateCmd = &cobra.Command{
	Use:   "aggregate <job-id>",
	Short: "Merge the succeeded batches of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsAggregate,
}

var jobsSummaryCmd = &cobra.Command{
	Use:   "summary <job-id>",
	Short: "Print the summary of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsSummary,
}

var jobsDownloadCmd = &cobra.Command{
	Use:   "download <job-id>",
	Short: "Write the merged CSV of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDownload,
}

var (
	jobsLimit       int
	jobsNoSummary   bool
	jobsDownloadOut string
)

func init() {
	jobsLsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of jobs to display")
	jobsAggregateCmd.Flags().BoolVar(&jobsNoSummary, "no-summary", false, "Merge without summarizing")
	jobsDownloadCmd.Flags().StringVarP(&jobsDownloadOut, "out", "o", "", "Output file (default tweets_<id>.csv)")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsRetryCmd)
	JobsCmd.AddCommand(jobsAggregateCmd)
	JobsCmd.AddCommand(jobsSummaryCmd)
	JobsCmd.AddCommand(jobsDownloadCmd)
}

// openStore opens the database without wiring a provider, for read-only commands
func openStore() (*sql.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openDatabase(cfg.GetDatabasePath())
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	database, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := async.NewQueue(database).ListJobs(nil, jobsLimit)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}

	data := pterm.TableData{{"JOB ID", "STATUS", "USERS", "BATCHES", "FAILED", "CREATED"}}
	for _, job := range jobs {
		failed := "-"
		if job.FailedBatches != nil {
			failed = strconv.Itoa(*job.FailedBatches)
		}
		data = append(data, []string{
			job.ID,
			string(job.Status),
			strconv.Itoa(job.TotalUsers),
			fmt.Sprintf("%d/%d", job.CompletedBatches, job.TotalBatches),
			failed,
			job.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	database, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := async.NewQueue(database).GetJob(args[0])
	if err != nil {
		return err
	}
	batches, err := batch.NewStore(database).List(job.ID)
	if err != nil {
		return err
	}
	printJobDetail(&digest.JobDetail{Job: job, Batches: batches})
	return nil
}

func printJobDetail(detail *digest.JobDetail) {
	job := detail.Job
	rows := [][]string{
		{"Job", job.ID},
		{"Status", string(job.Status)},
		{"Users", strconv.Itoa(job.TotalUsers)},
		{"Batch size", strconv.Itoa(job.BatchSize)},
		{"Progress", fmt.Sprintf("%d/%d batches", job.CompletedBatches, job.TotalBatches)},
		{"Created", job.CreatedAt.Local().Format(time.DateTime)},
	}
	if job.SubscriptionID != "" {
		rows = append(rows, []string{"Subscription", job.SubscriptionID})
	}
	if job.CompletedAt != nil {
		rows = append(rows, []string{"Completed", job.CompletedAt.Local().Format(time.DateTime)})
	}
	if job.Error != "" {
		rows = append(rows, []string{"Error", job.Error})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()

	if len(detail.Batches) == 0 {
		return
	}
	fmt.Println()
	data := pterm.TableData{{"BATCH", "STATUS", "ATTEMPTS", "ERROR"}}
	for _, st := range detail.Batches {
		data = append(data, []string{
			strconv.Itoa(st.Index),
			string(st.State),
			fmt.Sprintf("%d/%d", st.Attempts, st.MaxAttempts),
			st.Error,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Newf("invalid batch index %q", args[1])
	}
	return runAndWait(func(a *app) (*async.Job, error) {
		return a.engine.RetryBatch(args[0], index)
	})
}

func runJobsAggregate(cmd *cobra.Command, args []string) error {
	return runAndWait(func(a *app) (*async.Job, error) {
		return a.engine.AggregateNow(args[0], !jobsNoSummary)
	})
}

// runAndWait submits a background step and follows the job it returns until
// it reaches a terminal status
func runAndWait(submit func(a *app) (*async.Job, error)) error {
	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := a.engine.Queue()
	updates := queue.Subscribe()
	defer queue.Unsubscribe(updates)

	job, err := submit(a)
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Job %s %s", job.ID, job.Status))
	job, err = waitTerminal(ctx, queue, updates, job)
	if err != nil {
		_ = spinner.Stop()
		return err
	}
	if job.Status == async.JobStatusDone {
		spinner.Success(fmt.Sprintf("Job %s done", job.ID))
		return nil
	}
	spinner.Fail(fmt.Sprintf("Job %s failed: %s", job.ID, job.Error))
	return errors.Newf("job %s failed", job.ID)
}

// waitTerminal returns job once it is terminal. Updates can be dropped by
// a full subscriber channel, so the queue is polled as well.
func waitTerminal(ctx context.Context, queue *async.Queue, updates <-chan *async.Job, job *async.Job) (*async.Job, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for !job.Status.IsTerminal() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil, errors.New("job updates closed")
			}
			if update.ID == job.ID {
				job = update
			}
		case <-ticker.C:
			latest, err := queue.GetJob(job.ID)
			if err != nil {
				return nil, err
			}
			job = latest
		}
	}
	return job, nil
}

func runJobsSummary(cmd *cobra.Command, args []string) error {
	database, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	summary, err := digest.NewOutputStore(database).Summary(args[0])
	if err != nil {
		return err
	}
	fmt.Println(summary)
	return nil
}

func runJobsDownload(cmd *cobra.Command, args []string) error {
	database, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	csv, err := digest.NewOutputStore(database).CSV(args[0])
	if err != nil {
		return err
	}

	out := jobsDownloadOut
	if out == "" {
		out = fmt.Sprintf("tweets_%s.csv", args[0])
	}
	if err := os.WriteFile(out, []byte(csv), am.DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", out)
	}
	pterm.Success.Printf("Merged CSV written to %s\n", out)
	return nil
}
