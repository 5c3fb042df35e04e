package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/pulse/async"
	"github.com/teranos/digest/pulse/schedule"
)

// SubsCmd manages recurring subscriptions
var SubsCmd = &cobra.Command{
	Use:     "subs",
	Aliases: []string{"subscriptions"},
	Short:   "Manage recurring subscriptions",
	Long: `Manage subscriptions: stored CSV inputs that run every day at a fixed
local time while 'digest serve' is running.

Examples:
  digest subs ls
  digest subs add accounts.csv --name morning --hour 7 --minute 30
  digest subs disable <id>
  digest subs run <id>          # Launch a run now and wait for it
  digest subs rm <id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var subsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List subscriptions",
	RunE:  runSubsLs,
}

var subsAddCmd = &cobra.Command{
	Use:   "add <file.csv>",
	Short: "Create a subscription from a CSV",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubsAdd,
}

var subsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a subscription and its stored input",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubsRm,
}

var subsEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSubEnabled(args[0], true)
	},
}

var subsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSubEnabled(args[0], false)
	},
}

var subsRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a subscription now and wait for the job",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubsRun,
}

var (
	subsName     string
	subsHour     int
	subsMinute   int
	subsDisabled bool
)

func init() {
	subsAddCmd.Flags().StringVar(&subsName, "name", "", "Display name (default the file name)")
	subsAddCmd.Flags().IntVar(&subsHour, "hour", -1, "Hour of day, 0-23 (default scheduler.default_hour)")
	subsAddCmd.Flags().IntVar(&subsMinute, "minute", -1, "Minute, 0-59 (default scheduler.default_minute)")
	subsAddCmd.Flags().BoolVar(&subsDisabled, "disabled", false, "Create without scheduling")

	SubsCmd.AddCommand(subsLsCmd)
	SubsCmd.AddCommand(subsAddCmd)
	SubsCmd.AddCommand(subsRmCmd)
	SubsCmd.AddCommand(subsEnableCmd)
	SubsCmd.AddCommand(subsDisableCmd)
	SubsCmd.AddCommand(subsRunCmd)
}

func runSubsLs(cmd *cobra.Command, args []string) error {
	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	subs, err := a.subs.List()
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		pterm.Info.Println("No subscriptions found")
		return nil
	}

	data := pterm.TableData{{"ID", "NAME", "TIME", "ENABLED", "USERS", "NEXT RUN", "LAST STATUS"}}
	for _, sub := range subs {
		data = append(data, []string{
			sub.ID,
			sub.Name,
			fmt.Sprintf("%02d:%02d", sub.ScheduleHour, sub.ScheduleMinute),
			strconv.FormatBool(sub.Enabled),
			strconv.Itoa(sub.TotalUsers),
			formatTime(sub.NextRun),
			sub.LastStatus,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runSubsAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	hour, minute := subsHour, subsMinute
	if !cmd.Flags().Changed("hour") {
		hour = a.cfg.Scheduler.DefaultHour
	}
	if !cmd.Flags().Changed("minute") {
		minute = a.cfg.Scheduler.DefaultMinute
	}

	f, err := os.Open(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", args[0])
	}
	defer f.Close()

	sub, err := a.subs.Create(schedule.CreateRequest{
		Name:     subsName,
		Filename: filepath.Base(args[0]),
		Input:    f,
		Hour:     hour,
		Minute:   minute,
		Enabled:  !subsDisabled,
	})
	if err != nil {
		return err
	}
	pterm.Success.Printf("Subscription %s created (%d users, daily at %02d:%02d)\n",
		sub.ID, sub.TotalUsers, sub.ScheduleHour, sub.ScheduleMinute)
	if sub.NextRun != nil {
		pterm.Info.Printf("Next run %s\n", formatTime(sub.NextRun))
	}
	return nil
}

func runSubsRm(cmd *cobra.Command, args []string) error {
	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.subs.Delete(args[0]); err != nil {
		return err
	}
	pterm.Success.Printf("Subscription %s deleted\n", args[0])
	return nil
}

func setSubEnabled(id string, enabled bool) error {
	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	sub, err := a.subs.Update(id, schedule.Update{Enabled: &enabled})
	if err != nil {
		return err
	}
	if enabled {
		pterm.Success.Printf("Subscription %s enabled, next run %s\n", sub.ID, formatTime(sub.NextRun))
	} else {
		pterm.Success.Printf("Subscription %s disabled\n", sub.ID)
	}
	return nil
}

func runSubsRun(cmd *cobra.Command, args []string) error {
	return runAndWait(func(a *app) (*async.Job, error) {
		return a.subs.RunNow(context.Background(), args[0])
	})
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
