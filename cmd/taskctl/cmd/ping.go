package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the Taskwire gateway",
	Long:  `Send a ping request to verify the Taskwire gateway is running and accessible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest("GET", "/v1/ping", nil)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		env, err := decodeEnvelope(resp)
		if err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}

		if outputJSON {
			printOutput(env)
		} else {
			fmt.Printf("Pong! Gateway is running: %s\n", env.Message)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
