package scanning

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
)

// PrintSummary renders a human-readable summary: a table of open ports,
// a table of probe errors when there are any, and a totals line.
func PrintSummary(w io.Writer, s ScanSummary) error {
	fmt.Fprintf(w, "Scan %s of %s (%s)\n", s.ID, s.Target, s.Address)

	if len(s.OpenPorts) == 0 {
		fmt.Fprintln(w, "No open ports found")
	} else {
		table := tablewriter.NewWriter(w)
		table.Header("Port", "State")
		for _, p := range s.OpenPorts {
			_ = table.Append([]string{strconv.Itoa(int(p)), string(OutcomeOpen)})
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	if len(s.Errors) > 0 {
		ports := make([]uint16, 0, len(s.Errors))
		for p := range s.Errors {
			ports = append(ports, p)
		}
		slices.Sort(ports)

		table := tablewriter.NewWriter(w)
		table.Header("Port", "Error")
		for _, p := range ports {
			_ = table.Append([]string{strconv.Itoa(int(p)), s.Errors[p]})
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	status := string(s.State)
	if s.Partial {
		status += " (partial)"
	}
	_, err := fmt.Fprintf(w, "%s: %d/%d ports probed, %d open, %d closed, %d errors in %s\n",
		status, s.Completed, s.TotalRequested, len(s.OpenPorts), s.ClosedCount, s.ErrorCount,
		s.Duration.Round(time.Millisecond))
	return err
}

// PrintSummaryJSON writes the summary as indented JSON.
func PrintSummaryJSON(w io.Writer, s ScanSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
