// Command arkvoltctl is the CLI client for arkvoltd's control-plane API
// (spec.md §6), grounded on the daemon's own root.go/version.go cobra
// pattern but kept as a single small binary since it has no subsystem
// packages of its own to split out.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "arkvoltctl",
	Short: "Control client for the arkvolt backup daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:8989", "arkvoltd control API base URL")
	rootCmd.AddCommand(startCmd, cancelCmd, statusCmd, runsCmd, archivesCmd, restoreCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func apiRequest(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, serverAddr+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, out)
	}
	return out, nil
}

func printJSON(raw []byte) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(string(pretty))
}

var (
	startMode      string
	startForceFull bool
	startSubvols   []string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a backup run",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := apiRequest(http.MethodPost, "/api/v1/runs", map[string]any{
			"mode": startMode, "force_full": startForceFull, "subvolumes": startSubvols,
		})
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the active run, if any",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := apiRequest(http.MethodPost, "/api/v1/runs/current/cancel", nil)
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current or most recent run's status",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := apiRequest(http.MethodGet, "/api/v1/runs/current", nil)
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

var (
	runsLimit  int
	runsOffset int
	runsStatus string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List past runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/api/v1/runs?limit=%d&offset=%d&status=%s", runsLimit, runsOffset, runsStatus)
		raw, err := apiRequest(http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

var archivesMonth string

var archivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "Browse committed archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/archives"
		if archivesMonth != "" {
			path += "?month=" + archivesMonth
		}
		raw, err := apiRequest(http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

var (
	restoreSubvolume string
	restoreTimestamp string
	restoreTarget    string
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Start a restore of a committed archive chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := apiRequest(http.MethodPost, "/api/v1/restore", map[string]any{
			"subvolume":          restoreSubvolume,
			"snapshot_timestamp": restoreTimestamp,
			"target_dir":         restoreTarget,
		})
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

func init() {
	startCmd.Flags().StringVar(&startMode, "mode", "auto", "backup mode: auto, full, or incremental")
	startCmd.Flags().BoolVar(&startForceFull, "force-full", false, "force a full backup regardless of policy")
	startCmd.Flags().StringSliceVar(&startSubvols, "subvolume", nil, "restrict the run to these subvolumes (repeatable)")

	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum number of runs to list")
	runsCmd.Flags().IntVar(&runsOffset, "offset", 0, "number of runs to skip")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by outcome (success, partial, failed, cancelled)")

	archivesCmd.Flags().StringVar(&archivesMonth, "month", "", "restrict to a single YYYYMM bucket")

	restoreCmd.Flags().StringVar(&restoreSubvolume, "subvolume", "", "subvolume to restore")
	restoreCmd.Flags().StringVar(&restoreTimestamp, "snapshot-timestamp", "", "RFC3339 snapshot timestamp of the target archive")
	restoreCmd.Flags().StringVar(&restoreTarget, "target-dir", "", "local directory to receive the restored subvolume into")
	_ = restoreCmd.MarkFlagRequired("subvolume")
	_ = restoreCmd.MarkFlagRequired("snapshot-timestamp")
	_ = restoreCmd.MarkFlagRequired("target-dir")
}
