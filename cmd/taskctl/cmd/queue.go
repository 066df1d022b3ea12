package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect task queues",
	Long:  `Inspect queue depths and lease state across services.`,
}

// queueStatsCmd represents the stats command
var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	Long: `Show queue statistics.

Service tokens see every service's backlog, scheduled retries, leases, and
dead letters; tenant tokens see their own queued depth per service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest("GET", "/v1/queues/stats", nil)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		env, err := decodeEnvelope(resp)
		if err != nil {
			return fmt.Errorf("failed to get queue stats: %w", err)
		}

		if outputJSON {
			printOutput(env)
			return nil
		}

		var data struct {
			Services []struct {
				Service     string           `json:"service"`
				Backlog     int64            `json:"backlog"`
				TenantDepth map[string]int64 `json:"tenant_depth,omitempty"`
				Scheduled   int64            `json:"scheduled_retries"`
				Leased      int64            `json:"leased"`
				DeadLetters int64            `json:"dead_letters"`
			} `json:"services"`
			Queues []struct {
				Service string `json:"service"`
				Queued  int64  `json:"queued"`
			} `json:"queues"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("unexpected response data: %w", err)
		}

		// Tenant-scoped view
		if len(data.Services) == 0 {
			for _, q := range data.Queues {
				fmt.Printf("%s: %d queued\n", q.Service, q.Queued)
			}
			return nil
		}

		for _, st := range data.Services {
			fmt.Printf("Service: %s\n", st.Service)
			fmt.Printf("  Backlog: %d\n", st.Backlog)
			fmt.Printf("  Scheduled retries: %d\n", st.Scheduled)
			fmt.Printf("  Leased: %d\n", st.Leased)
			fmt.Printf("  Dead letters: %d\n", st.DeadLetters)
			for tenant, depth := range st.TenantDepth {
				fmt.Printf("    %s: %d queued\n", tenant, depth)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd)
}
