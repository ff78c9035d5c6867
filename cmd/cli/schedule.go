package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/scanning"
	"github.com/anstrom/portsweep/internal/scheduler"
	"github.com/anstrom/portsweep/internal/services"
)

const (
	scheduleNextRuns     = 3
	maxPortsDisplay      = 24
	scheduleTimeLayout   = "2006-01-02 15:04"
	scheduleStopDeadline = 15 * time.Second
)

// scheduleCmd represents the schedule command.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect and run scheduled scans",
	Long: `Scheduled scans are defined in the schedules section of the config file
and fire on standard five-field cron expressions (or descriptors such as
@daily and @every 30m) while 'portsweep serve' runs.`,
	Example: `  portsweep schedule list
  portsweep schedule validate "0 2 * * *" "@every 15m"
  portsweep schedule run nightly-web`,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured schedules and their next run",
	Args:  cobra.NoArgs,
	RunE:  runScheduleList,
}

var scheduleValidateCmd = &cobra.Command{
	Use:   "validate EXPR...",
	Short: "Validate cron expressions and show upcoming runs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScheduleValidate,
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Run a configured schedule once, now",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRun,
}

var scheduleRunJSON bool

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleValidateCmd)
	scheduleCmd.AddCommand(scheduleRunCmd)

	scheduleRunCmd.Flags().BoolVar(&scheduleRunJSON, "json", false, "Print the summary as JSON")
}

func runScheduleList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if len(cfg.Schedules) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No schedules configured in %s\n", getConfigFilePath())
		return nil
	}
	return printSchedules(cmd.OutOrStdout(), cfg, time.Now())
}

func printSchedules(w io.Writer, cfg *config.Config, now time.Time) error {
	table := tablewriter.NewWriter(w)
	table.Header("Name", "Cron", "Target", "Ports", "Enabled", "Next Run")

	for _, sc := range cfg.Schedules {
		ports := sc.Ports
		if ports == "" {
			ports = cfg.Scanning.Ports
		}

		next := "-"
		if !sc.Disabled {
			sched, err := cron.ParseStandard(sc.Cron)
			if err != nil {
				next = "invalid"
			} else {
				next = sched.Next(now).Format(scheduleTimeLayout)
			}
		}

		row := []string{sc.Name, sc.Cron, sc.Target, truncate(ports, maxPortsDisplay),
			fmt.Sprintf("%t", !sc.Disabled), next}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func runScheduleValidate(cmd *cobra.Command, args []string) error {
	invalid := validateCronExpressions(cmd.OutOrStdout(), args, time.Now())
	if invalid > 0 {
		return fmt.Errorf("%d of %d expressions are invalid", invalid, len(args))
	}
	return nil
}

// validateCronExpressions reports each expression and returns how many
// failed to parse.
func validateCronExpressions(w io.Writer, exprs []string, now time.Time) int {
	invalid := 0
	for _, expr := range exprs {
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			invalid++
			fmt.Fprintf(w, "%q: invalid: %v\n", expr, err)
			continue
		}

		runs := make([]string, 0, scheduleNextRuns)
		t := now
		for i := 0; i < scheduleNextRuns; i++ {
			t = sched.Next(t)
			runs = append(runs, t.Format(scheduleTimeLayout))
		}
		fmt.Fprintf(w, "%q: valid, next runs: %s\n", expr, strings.Join(runs, ", "))
	}
	return invalid
}

func runScheduleRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	logger := logging.Default()
	svc := services.NewScanService(services.Config{
		Logger: logger,
		EngineOptions: []scanning.Option{
			scanning.WithResolver(cfg.Scanning.Resolver()),
			scanning.WithLogger(logger.WithComponent("engine")),
		},
	})
	sched := scheduler.NewScheduler(svc, cfg.Scanning, logger, metrics.NewRegistry())
	if err := sched.Load(cfg.Schedules); err != nil {
		return err
	}

	// Ctrl-C stops the scheduler, which cancels the running scan.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), scheduleStopDeadline)
		defer cancel()
		_ = sched.Stop(stopCtx)
	}()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), scheduleStopDeadline)
		defer cancel()
		_ = svc.Shutdown(stopCtx)
	}()

	summary, runErr := sched.RunNow(args[0])
	if summary.ID == "" {
		return runErr
	}

	if scheduleRunJSON {
		if err := scanning.PrintSummaryJSON(cmd.OutOrStdout(), summary); err != nil {
			return err
		}
	} else if err := scanning.PrintSummary(cmd.OutOrStdout(), summary); err != nil {
		return err
	}
	if errors.IsFailure(runErr) {
		return runErr
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
