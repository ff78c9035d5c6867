package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/db"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/scanning"
	"github.com/anstrom/portsweep/internal/services"
)

const scanShutdownTimeout = 15 * time.Second

var (
	scanPorts       string
	scanConcurrency int
	scanTimeout     time.Duration
	scanOrder       string
	scanSeed        int64
	scanGrace       time.Duration
	scanRate        float64
	scanDNSServer   string
	scanJSON        bool
	scanSave        bool
)

// scanCmd represents the scan command.
var scanCmd = &cobra.Command{
	Use:   "scan TARGET",
	Short: "Scan a host for open TCP ports",
	Long: `Scan a single host, given as an IP address or hostname, for open TCP
ports. Unset flags fall back to the scanning section of the config file.
Press Ctrl-C to cancel; the partial summary is still printed.`,
	Example: `  portsweep scan 192.168.1.10
  portsweep scan example.com -p web
  portsweep scan 10.0.0.5 -p 1-1024 -c 200 -t 500ms --order seq
  portsweep scan db.internal -p 5432,6379 --json --save`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	flags := scanCmd.Flags()
	flags.StringVarP(&scanPorts, "ports", "p", "", "Port spec: '80,443', '1-1024' or a preset (all, web, top)")
	flags.IntVarP(&scanConcurrency, "concurrency", "c", 0, "Maximum probes in flight")
	flags.DurationVarP(&scanTimeout, "timeout", "t", 0, "Connect timeout per probe")
	flags.StringVar(&scanOrder, "order", "", "Probe order: shuffle or seq")
	flags.Int64Var(&scanSeed, "seed", 0, "Seed for shuffled order (0 picks one)")
	flags.DurationVar(&scanGrace, "grace", 0, "Grace period for in-flight probes after cancellation")
	flags.Float64Var(&scanRate, "rate", 0, "Maximum probe dispatches per second (0 is unlimited)")
	flags.StringVar(&scanDNSServer, "dns-server", "", "Resolve the target through this DNS server (host:port)")
	flags.BoolVar(&scanJSON, "json", false, "Print the summary as JSON")
	flags.BoolVar(&scanSave, "save", false, "Store the summary in the configured database")
}

// scanningOverrides applies the flags the user set on top of defaults.
func scanningOverrides(flags *pflag.FlagSet, defaults config.ScanningConfig) config.ScanningConfig {
	s := defaults
	if flags.Changed("ports") {
		s.Ports = scanPorts
	}
	if flags.Changed("concurrency") {
		s.Concurrency = scanConcurrency
	}
	if flags.Changed("timeout") {
		s.Timeout = scanTimeout
	}
	if flags.Changed("order") {
		s.Order = scanOrder
	}
	if flags.Changed("seed") {
		s.Seed = scanSeed
	}
	if flags.Changed("grace") {
		s.GracePeriod = scanGrace
	}
	if flags.Changed("rate") {
		s.RateLimit = scanRate
	}
	if flags.Changed("dns-server") {
		s.DNSServer = scanDNSServer
	}
	return s
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	settings := scanningOverrides(cmd.Flags(), cfg.Scanning)
	req, err := settings.ScanRequest(args[0])
	if err != nil {
		return fmt.Errorf("invalid scan settings: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.Default()
	svcCfg := services.Config{
		Logger: logger,
		EngineOptions: []scanning.Option{
			scanning.WithResolver(settings.Resolver()),
			scanning.WithLogger(logger.WithComponent("engine")),
		},
	}
	if verbose {
		svcCfg.Sink = scanning.LogSink{Logger: logger}
	}

	if scanSave {
		if !cfg.IsDatabaseEnabled() {
			return fmt.Errorf("--save needs a database: set database.database in %s", getConfigFilePath())
		}
		database, err := db.ConnectAndMigrate(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("error connecting to database: %w", err)
		}
		defer database.Close()
		svcCfg.Store = db.NewScanRepository(database, nil)
	}

	svc := services.NewScanService(svcCfg)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), scanShutdownTimeout)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
		}
	}()

	summary, err := executeScan(ctx, svc, req, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	if scanJSON {
		return scanning.PrintSummaryJSON(cmd.OutOrStdout(), summary)
	}
	return scanning.PrintSummary(cmd.OutOrStdout(), summary)
}

// executeScan runs req to completion. When ctx ends first the scan is
// cancelled and its partial summary returned.
func executeScan(
	ctx context.Context,
	svc *services.ScanService,
	req scanning.ScanRequest,
	status io.Writer,
) (scanning.ScanSummary, error) {
	handle, err := svc.StartScan(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return scanning.ScanSummary{}, errors.WrapScanError(errors.CodeCanceled,
				fmt.Sprintf("scan of %s cancelled before it started", req.Target), ctx.Err())
		}
		return scanning.ScanSummary{}, err
	}

	_, total := handle.Progress()
	fmt.Fprintf(status, "Scanning %s (%s): %d ports\n", handle.Target(), handle.Address(), total)

	select {
	case <-handle.Done():
	case <-ctx.Done():
		fmt.Fprintln(status, "Cancelling scan, waiting for in-flight probes...")
		handle.Cancel()
		<-handle.Done()
	}

	return handle.Summary()
}
