// SPDX-License-Identifier: MIT

// Command relaycastctl is a local read-only operator CLI for a running
// relaycast agent: it queries the agent's /healthz endpoint and prints a
// per-stream table, mirroring the subcommand-dispatch shape of the
// teacher's cmd/lyrebird operator CLI (a switch over args[0], with a
// run(args []string) error extracted for testability).
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"
)

const defaultHealthAddr = "http://127.0.0.1:9998"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "relaycastctl:", err)
		os.Exit(1)
	}
}

// healthResponse mirrors internal/health.Response; duplicated rather than
// imported so relaycastctl stays a thin HTTP client with no build
// dependency on the agent's internals.
type healthResponse struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Services  []serviceInfo `json:"services"`
	System    *systemInfo   `json:"system,omitempty"`
}

type serviceInfo struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Uptime   time.Duration `json:"uptime_ns"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Restarts int           `json:"restarts,omitempty"`
	Failures int           `json:"failures,omitempty"`
}

type systemInfo struct {
	DiskFreeBytes  uint64 `json:"disk_free_bytes"`
	DiskTotalBytes uint64 `json:"disk_total_bytes"`
	DiskLowWarning bool   `json:"disk_low_warning,omitempty"`
	NTPSynced      bool   `json:"ntp_synced"`
	NTPMessage     string `json:"ntp_message,omitempty"`
}

func run(args []string, stdout *os.File) error {
	cmd := "status"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "status":
		addr := defaultHealthAddr
		if len(args) > 1 {
			addr = args[1]
		}
		return runStatus(addr, stdout)
	case "version":
		return runVersion(stdout)
	case "help", "-h", "--help":
		return runHelp(stdout)
	default:
		return fmt.Errorf("unknown command %q (try \"help\")", cmd)
	}
}

func runVersion(stdout *os.File) error {
	_, err := fmt.Fprintln(stdout, "relaycastctl (relaycast agent operator CLI)")
	return err
}

func runHelp(stdout *os.File) error {
	_, err := fmt.Fprintln(stdout, `relaycastctl: query a running relaycast agent

Usage:
  relaycastctl status [addr]   print a per-stream health table (default addr `+defaultHealthAddr+`)
  relaycastctl version         print version
  relaycastctl help            show this message`)
	return err
}

func runStatus(addr string, stdout *os.File) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/healthz")
	if err != nil {
		return fmt.Errorf("request %s/healthz: %w", addr, err)
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}

	fmt.Fprintf(stdout, "agent status: %s (as of %s)\n", health.Status, health.Timestamp.Format(time.RFC3339))
	if health.System != nil {
		fmt.Fprintf(stdout, "disk: %s free of %s%s\n",
			formatBytes(health.System.DiskFreeBytes), formatBytes(health.System.DiskTotalBytes),
			diskWarningSuffix(health.System.DiskLowWarning))
	}

	if len(health.Services) == 0 {
		fmt.Fprintln(stdout, "no active streams")
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tSTATE\tHEALTHY\tUPTIME\tRESTARTS\tERROR")
	for _, svc := range health.Services {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%d\t%s\n",
			svc.Name, svc.State, svc.Healthy, svc.Uptime.Round(time.Second), svc.Restarts, svc.Error)
	}
	return tw.Flush()
}

func diskWarningSuffix(low bool) string {
	if low {
		return " (LOW)"
	}
	return ""
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
