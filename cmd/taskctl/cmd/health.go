package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Taskwire gateway",
	Long: `Check the health of the Taskwire gateway and its backing stores.

The gateway reports Redis and Postgres reachability; a degraded store turns
the whole check unhealthy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest("GET", "/healthz", nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		// /healthz is not enveloped; it is the probe payload itself.
		var st struct {
			OK       bool   `json:"ok"`
			Message  string `json:"message"`
			Redis    bool   `json:"redis"`
			Database bool   `json:"database"`
		}
		if err := json.Unmarshal(raw, &st); err != nil {
			if resp.StatusCode == 200 {
				fmt.Println("✓ Gateway is healthy")
				return nil
			}
			return fmt.Errorf("unhealthy: HTTP %d: %s", resp.StatusCode, firstLine(raw))
		}

		if outputJSON {
			printOutput(st)
			return nil
		}

		if st.OK && resp.StatusCode == 200 {
			fmt.Println("✓ Gateway is healthy")
		} else {
			fmt.Printf("✗ Gateway is unhealthy (HTTP %d): %s\n", resp.StatusCode, st.Message)
		}
		if !st.Redis {
			fmt.Println("  ✗ redis unreachable")
		}
		if !st.Database {
			fmt.Println("  ✗ database unreachable")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
