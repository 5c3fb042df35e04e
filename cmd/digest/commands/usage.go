package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/digest/ai/tracker"
)

// UsageCmd reports recorded model calls
var UsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show model usage",
	Long: `Show model calls recorded in the database, overall and per model.

Examples:
  digest usage             # Last 7 days
  digest usage --days 30
  digest usage --job <id>  # One job`,
	RunE: runUsage,
}

var (
	usageDays  int
	usageJobID string
)

func init() {
	UsageCmd.Flags().IntVar(&usageDays, "days", 7, "Number of days to include")
	UsageCmd.Flags().StringVar(&usageJobID, "job", "", "Only count calls made for this job")
}

func runUsage(cmd *cobra.Command, args []string) error {
	database, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	usage := tracker.NewUsageTracker(database)

	if usageJobID != "" {
		stats, err := usage.GetJobUsage(usageJobID)
		if err != nil {
			return err
		}
		pterm.DefaultSection.Printf("Job %s", usageJobID)
		return renderUsageStats(stats)
	}

	since := time.Now().AddDate(0, 0, -usageDays)
	stats, err := usage.GetUsageStats(since)
	if err != nil {
		return err
	}
	pterm.DefaultSection.Printf("Last %d day(s)", usageDays)
	if err := renderUsageStats(stats); err != nil {
		return err
	}

	models, err := usage.GetModelBreakdown(since)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return nil
	}
	fmt.Println()
	data := pterm.TableData{{"MODEL", "PROVIDER", "REQUESTS", "TOKENS", "AVG MS"}}
	for _, m := range models {
		avg := "-"
		if m.AvgResponseTimeMs != nil {
			avg = fmt.Sprintf("%.0f", *m.AvgResponseTimeMs)
		}
		data = append(data, []string{
			m.ModelName,
			m.ModelProvider,
			strconv.Itoa(m.RequestCount),
			strconv.Itoa(m.TotalTokens),
			avg,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func renderUsageStats(stats *tracker.UsageStats) error {
	return pterm.DefaultTable.WithData(pterm.TableData{
		{"Requests", strconv.Itoa(stats.TotalRequests)},
		{"Succeeded", fmt.Sprintf("%d (%.0f%%)", stats.SuccessfulRequests, stats.SuccessRate*100)},
		{"Tokens", strconv.Itoa(stats.TotalTokens)},
		{"Models", strconv.Itoa(stats.UniqueModels)},
	}).Render()
}
