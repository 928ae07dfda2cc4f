package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dsh2dsh/go-monitoringplugin/v2"
	"github.com/spf13/cobra"
)

// runSummary is the subset of the /api/v1/runs response check needs.
// lineage.Run has no json struct tags, so the control API serializes it
// under its bare exported field names.
type runSummary struct {
	RunID      string     `json:"RunID"`
	FinishedAt *time.Time `json:"FinishedAt"`
	Outcome    string     `json:"Outcome"`
}

var (
	checkWarn time.Duration
	checkCrit time.Duration
)

// checkCmd is a Nagios-style liveness probe against the most recent
// backup run, modeled on the teacher's own client/monitor snapshot-age
// check (monitoringplugin.Response + OK/WARNING/CRITICAL thresholds),
// adapted here to check run recency instead of snapshot recency.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Nagios-style liveness check against the most recent backup run",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp := monitoringplugin.NewResponse("arkvolt backup liveness")

		raw, err := apiRequest(http.MethodGet, "/api/v1/runs?limit=1", nil)
		if err != nil {
			resp.UpdateStatus(monitoringplugin.CRITICAL, fmt.Sprintf("query run history: %s", err))
			resp.OutputAndExit()
			return nil
		}

		var runs []runSummary
		if err := json.Unmarshal(raw, &runs); err != nil {
			resp.UpdateStatus(monitoringplugin.CRITICAL, fmt.Sprintf("decode run history: %s", err))
			resp.OutputAndExit()
			return nil
		}

		if len(runs) == 0 || runs[0].FinishedAt == nil {
			resp.UpdateStatus(monitoringplugin.CRITICAL, "no completed run recorded yet")
			resp.OutputAndExit()
			return nil
		}

		last := runs[0]
		age := time.Since(*last.FinishedAt).Truncate(time.Second)
		switch {
		case last.Outcome == "failed":
			resp.UpdateStatus(monitoringplugin.CRITICAL,
				fmt.Sprintf("most recent run %q failed", last.RunID))
		case checkCrit > 0 && age >= checkCrit:
			resp.UpdateStatus(monitoringplugin.CRITICAL,
				fmt.Sprintf("last completed run %q: %s ago > %s", last.RunID, age, checkCrit))
		case checkWarn > 0 && age >= checkWarn:
			resp.UpdateStatus(monitoringplugin.WARNING,
				fmt.Sprintf("last completed run %q: %s ago > %s", last.RunID, age, checkWarn))
		default:
			resp.UpdateStatus(monitoringplugin.OK,
				fmt.Sprintf("last completed run %q (%s): %s ago", last.RunID, last.Outcome, age))
		}
		resp.OutputAndExit()
		return nil
	},
}

func init() {
	checkCmd.Flags().DurationVar(&checkWarn, "warn", 26*time.Hour,
		"warn if the most recent run finished more than this long ago")
	checkCmd.Flags().DurationVar(&checkCrit, "crit", 50*time.Hour,
		"critical if the most recent run finished more than this long ago")
	rootCmd.AddCommand(checkCmd)
}
