package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/daemon"
	"github.com/anstrom/portsweep/internal/logging"
)

const (
	daemonStopPollInterval = 500 * time.Millisecond
	daemonStopProgressStep = 5 * time.Second
	statusLineLength       = 30
	hoursPerDay            = 24
)

var (
	servePidFile    string
	serveListenAddr string
	servePort       int
	serveNoAPI      bool
	daemonPidFile   string
	daemonStopWait  time.Duration
)

// serveCmd runs the daemon in the foreground.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the portsweep server",
	Long: `Run portsweep as a long-lived service in the foreground. The server
exposes the HTTP API, fires the configured schedules and, when a database
is configured, stores every finished scan.

Send SIGTERM or press Ctrl-C to stop, SIGHUP to reload schedules from the
config file and SIGUSR1 to log a status dump.`,
	Example: `  portsweep serve
  portsweep serve --config /etc/portsweep/portsweep.yaml
  portsweep serve --listen 0.0.0.0 --port 9090 --pid-file /run/portsweep.pid`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// daemonCmd groups commands that inspect a running server.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Inspect or stop a running portsweep server",
	Long: `Inspect or stop a portsweep server started with 'portsweep serve'.
The server is located through its PID file.`,
	Example: `  portsweep daemon status --pid-file /run/portsweep.pid
  portsweep daemon stop --pid-file /run/portsweep.pid`,
}

// daemonStopCmd represents the daemon stop command.
var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running portsweep server",
	Long: `Send SIGTERM to the running server and wait for it to exit. If it is
still running after --wait, SIGKILL is sent.`,
	Args: cobra.NoArgs,
	RunE: runDaemonStop,
}

// daemonStatusCmd represents the daemon status command.
var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of the portsweep server",
	Args:  cobra.NoArgs,
	Run:   runDaemonStatus,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)

	serveCmd.Flags().StringVar(&servePidFile, "pid-file", "", "Write the process ID to this file")
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "API listen address")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "API port")
	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false, "Run schedules without the HTTP API")

	daemonCmd.PersistentFlags().StringVar(&daemonPidFile, "pid-file", "", "PID file of the running server (default: daemon.pid_file from config)")
	daemonStopCmd.Flags().DurationVar(&daemonStopWait, "wait", 30*time.Second, "How long to wait before sending SIGKILL")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("pid-file") {
		cfg.Daemon.PIDFile = servePidFile
	}
	if flags.Changed("listen") {
		cfg.API.ListenAddr = serveListenAddr
	}
	if flags.Changed("port") {
		cfg.API.Port = servePort
	}
	if serveNoAPI {
		cfg.API.Enabled = false
	}

	if verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "Starting server with configuration:\n")
		fmt.Fprintf(cmd.ErrOrStderr(), "  Config file: %s\n", getConfigFilePath())
		fmt.Fprintf(cmd.ErrOrStderr(), "  PID file: %s\n", valueOr(cfg.Daemon.PIDFile, "none"))
		fmt.Fprintf(cmd.ErrOrStderr(), "  API: %s\n", apiDescription(cfg.API.Enabled, cfg.GetAPIAddress()))
		fmt.Fprintf(cmd.ErrOrStderr(), "  Database: %t\n", cfg.IsDatabaseEnabled())
		fmt.Fprintf(cmd.ErrOrStderr(), "  Schedules: %d\n", len(cfg.Schedules))
	}

	d := daemon.New(cfg,
		daemon.WithLogger(logging.Default()),
		daemon.WithConfigPath(getConfigFilePath()),
	)
	return d.Start()
}

func runDaemonStop(cmd *cobra.Command, _ []string) error {
	pidFile, err := resolvePIDFile()
	if err != nil {
		return err
	}

	pid, err := readPIDFile(pidFile)
	if os.IsNotExist(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "Server is not running (no PID file found at %s)\n", pidFile)
		return nil
	}
	if err != nil {
		return fmt.Errorf("error reading PID file: %w", err)
	}
	if !processAlive(pid) {
		fmt.Fprintf(cmd.OutOrStdout(), "Server is not running (stale PID file %s)\n", pidFile)
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("error finding server process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("error sending stop signal to server: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Stopping server (PID %d)...\n", pid)
	deadline := time.Now().Add(daemonStopWait)
	nextProgress := time.Now().Add(daemonStopProgressStep)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			fmt.Fprintln(cmd.OutOrStdout(), "Server stopped")
			return nil
		}
		time.Sleep(daemonStopPollInterval)
		if time.Now().After(nextProgress) {
			fmt.Fprintf(cmd.OutOrStdout(), "Waiting for server to stop... (%s)\n",
				time.Until(deadline).Round(time.Second))
			nextProgress = nextProgress.Add(daemonStopProgressStep)
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Server did not stop gracefully, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("error force-killing server: %w", err)
	}
	// SIGKILL skips cleanup, so the PID file is ours to remove.
	_ = os.Remove(pidFile)
	return nil
}

func runDaemonStatus(cmd *cobra.Command, _ []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "portsweep Server Status\n")
	fmt.Fprintln(out, strings.Repeat("=", statusLineLength))

	pidFile, err := resolvePIDFile()
	if err != nil {
		fmt.Fprintf(out, "Status: Unknown (%v)\n", err)
		return
	}

	pid, err := readPIDFile(pidFile)
	if err != nil {
		fmt.Fprintf(out, "Status: Not running\n")
		fmt.Fprintf(out, "PID file: %s (%v)\n", pidFile, err)
		return
	}
	if !processAlive(pid) {
		fmt.Fprintf(out, "Status: Not running\n")
		fmt.Fprintf(out, "PID file: %s (stale)\n", pidFile)
		return
	}

	fmt.Fprintf(out, "Status: Running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)
	fmt.Fprintf(out, "PID file: %s\n", pidFile)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Started: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}
	fmt.Fprintf(out, "\nSend SIGUSR1 (kill -USR1 %d) to log a detailed status dump\n", pid)
}

// resolvePIDFile returns --pid-file or the configured daemon.pid_file.
func resolvePIDFile() (string, error) {
	if daemonPidFile != "" {
		return daemonPidFile, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	if cfg.Daemon.PIDFile == "" {
		return "", fmt.Errorf("no PID file configured: pass --pid-file or set daemon.pid_file")
	}
	return cfg.Daemon.PIDFile, nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file: %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func formatDuration(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	} else if d < hoursPerDay*time.Hour {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	days := int(d.Hours() / hoursPerDay)
	return fmt.Sprintf("%dd", days)
}

func apiDescription(enabled bool, addr string) string {
	if !enabled {
		return "disabled"
	}
	return addr
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
