package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"packship/internal/analytics"
)

var (
	flagStatsRegistry string
	flagStatsDays     int
	flagStatsHistory  int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show publish history and per-registry statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()
		e.openHistory()
		if e.history == nil {
			return fmt.Errorf("no publish history for %s", e.projectPath)
		}

		filter := analytics.Filter{Registry: flagStatsRegistry}
		if flagStatsDays > 0 {
			filter.Since = time.Now().AddDate(0, 0, -flagStatsDays)
		}

		stats, err := e.history.Stats(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Println("No publishes recorded yet.")
			return nil
		}

		t := newTable(tableRow("REGISTRY", "TOTAL", "OK", "FAILED", "SUCCESS", "AVG TIME", "LAST VERSION"))
		for _, s := range stats {
			t.AppendRow(tableRow(s.Registry, s.Total, s.Succeeded, s.Failed,
				fmt.Sprintf("%.0f%%", s.SuccessRate()*100),
				s.AvgDuration.Round(time.Millisecond).String(),
				s.LastVersion))
		}
		t.Render()

		if flagStatsHistory > 0 {
			filter.Limit = flagStatsHistory
			records, err := e.history.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			h := newTable(tableRow("WHEN", "REGISTRY", "VERSION", "RESULT", "DETAIL"))
			for _, r := range records {
				result := "ok"
				detail := ""
				if !r.Success {
					result = "failed"
					detail = r.Error
				}
				h.AppendRow(tableRow(r.CreatedAt.Local().Format("2006-01-02 15:04"),
					r.Registry, r.Version, result, detail))
			}
			h.Render()
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().StringVar(&flagStatsRegistry, "registry", "", "limit to one registry")
	statsCmd.Flags().IntVar(&flagStatsDays, "days", 0, "limit to the last N days")
	statsCmd.Flags().IntVar(&flagStatsHistory, "history", 0, "also list the last N individual runs")
}
