package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/api/handlers"
	"github.com/anstrom/portsweep/internal/scanning"
)

var (
	scansServer   string
	scansJSON     bool
	scansPage     int
	scansPageSize int
	scansWait     bool
	scansRequest  handlers.CreateScanRequest
)

const scansPollInterval = time.Second

// scansCmd manages scans on a running server.
var scansCmd = &cobra.Command{
	Use:   "scans",
	Short: "Manage scans on a running portsweep server",
	Long: `Start, list, inspect and cancel scans through the HTTP API of a server
started with 'portsweep serve'. The API key is read from PORTSWEEP_API_KEY
or from the file named by PORTSWEEP_API_KEY_FILE.`,
	Example: `  portsweep scans list
  portsweep scans start 10.0.0.5 --ports 1-1024 --wait
  portsweep scans get 3f1c... --json
  portsweep scans cancel 3f1c... --server http://scanner:8080/api/v1`,
}

var scansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent scans",
	Args:  cobra.NoArgs,
	RunE:  runScansList,
}

var scansGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one scan",
	Args:  cobra.ExactArgs(1),
	RunE:  runScansGet,
}

var scansStartCmd = &cobra.Command{
	Use:   "start TARGET",
	Short: "Start a scan on the server",
	Args:  cobra.ExactArgs(1),
	RunE:  runScansStart,
}

var scansCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a running scan",
	Args:  cobra.ExactArgs(1),
	RunE:  runScansCancel,
}

func init() {
	rootCmd.AddCommand(scansCmd)
	scansCmd.AddCommand(scansListCmd, scansGetCmd, scansStartCmd, scansCancelCmd)

	scansCmd.PersistentFlags().StringVar(&scansServer, "server", "",
		"API base URL (default: derived from the api section of the config)")
	scansCmd.PersistentFlags().BoolVar(&scansJSON, "json", false, "Print responses as JSON")

	scansListCmd.Flags().IntVar(&scansPage, "page", 1, "Page number")
	scansListCmd.Flags().IntVar(&scansPageSize, "page-size", 50, "Scans per page")

	f := scansStartCmd.Flags()
	f.StringVarP(&scansRequest.Ports, "ports", "p", "", "Port spec, e.g. 22,80,8000-8100")
	f.IntVarP(&scansRequest.Concurrency, "concurrency", "c", 0, "Maximum probes in flight")
	f.StringVarP(&scansRequest.Timeout, "timeout", "t", "", "Per-probe timeout, e.g. 500ms")
	f.StringVar(&scansRequest.GracePeriod, "grace", "", "Cancellation grace period")
	f.StringVar(&scansRequest.Order, "order", "", "Probe order: sequential or random")
	f.Int64Var(&scansRequest.Seed, "seed", 0, "Seed for random order")
	f.Float64Var(&scansRequest.RateLimit, "rate", 0, "Maximum probes per second")
	f.BoolVar(&scansWait, "wait", false, "Wait for the scan to finish and print its summary")
}

func newRemoteClient() (*APIClient, error) {
	server := scansServer
	if server == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		server = defaultServerURL(cfg)
	}
	return NewAPIClient(server, getAPIKeyFromSources()), nil
}

func runScansList(cmd *cobra.Command, _ []string) error {
	client, err := newRemoteClient()
	if err != nil {
		return err
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(scansPage))
	query.Set("page_size", strconv.Itoa(scansPageSize))

	var resp handlers.ListScansResponse
	if err := client.Get(cmd.Context(), "/scans?"+query.Encode(), &resp); err != nil {
		return describeAPIError(err, "list scans")
	}
	if scansJSON {
		return writeJSON(cmd.OutOrStdout(), resp)
	}
	if len(resp.Data) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No scans found")
		return nil
	}
	return printScanTable(cmd.OutOrStdout(), resp.Data)
}

func printScanTable(w io.Writer, scans []handlers.ScanResponse) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Target", "State", "Progress", "Open", "Started")

	for _, s := range scans {
		if s.ScanSummary == nil {
			continue
		}
		row := []string{
			s.ID,
			s.Target,
			string(s.State),
			fmt.Sprintf("%.0f%%", s.Progress*100),
			formatPorts(s.OpenPorts),
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func formatPorts(ports []uint16) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(int(p))
	}
	return truncate(strings.Join(parts, ","), maxPortsDisplay)
}

func runScansGet(cmd *cobra.Command, args []string) error {
	client, err := newRemoteClient()
	if err != nil {
		return err
	}

	var resp handlers.ScanResponse
	if err := client.Get(cmd.Context(), "/scans/"+url.PathEscape(args[0]), &resp); err != nil {
		return describeAPIError(err, "get scan")
	}
	return printRemoteScan(cmd.OutOrStdout(), resp)
}

func printRemoteScan(w io.Writer, resp handlers.ScanResponse) error {
	if scansJSON || resp.ScanSummary == nil {
		return writeJSON(w, resp)
	}
	if !resp.State.Terminal() {
		fmt.Fprintf(w, "Scan %s is %s (%.0f%% complete)\n", resp.ID, resp.State, resp.Progress*100)
		return nil
	}
	return scanning.PrintSummary(w, *resp.ScanSummary)
}

func runScansStart(cmd *cobra.Command, args []string) error {
	client, err := newRemoteClient()
	if err != nil {
		return err
	}

	req := scansRequest
	req.Target = args[0]

	var started handlers.StartScanResponse
	if err := client.Post(cmd.Context(), "/scans", req, &started); err != nil {
		return describeAPIError(err, "start scan")
	}

	if !scansWait {
		if scansJSON {
			return writeJSON(cmd.OutOrStdout(), started)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Started scan %s of %s (%s): %d ports\n",
			started.ID, started.Target, started.Address, started.Total)
		return nil
	}

	ticker := time.NewTicker(scansPollInterval)
	defer ticker.Stop()
	for {
		var resp handlers.ScanResponse
		if err := client.Get(cmd.Context(), "/scans/"+url.PathEscape(started.ID), &resp); err != nil {
			return describeAPIError(err, "get scan")
		}
		if resp.ScanSummary != nil && resp.State.Terminal() {
			return printRemoteScan(cmd.OutOrStdout(), resp)
		}

		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func runScansCancel(cmd *cobra.Command, args []string) error {
	client, err := newRemoteClient()
	if err != nil {
		return err
	}

	var resp handlers.CancelScanResponse
	if err := client.Delete(cmd.Context(), "/scans/"+url.PathEscape(args[0]), &resp); err != nil {
		return describeAPIError(err, "cancel scan")
	}
	if scansJSON {
		return writeJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
