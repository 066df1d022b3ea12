package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and requeue dead letters",
	Long:  `List dead-lettered tasks and requeue them after the underlying fault is fixed. Requires a service token.`,
}

// dlqListCmd represents the list command
var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters for a service",
	Long: `List the most recent dead letters for a service queue.

Example:
  taskctl dlq list --service embedding --limit 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		service, _ := cmd.Flags().GetString("service")
		limit, _ := cmd.Flags().GetInt("limit")

		if service == "" {
			return fmt.Errorf("--service is required")
		}

		path := "/v1/dlq?service=" + url.QueryEscape(service)
		if limit > 0 {
			path += "&limit=" + strconv.Itoa(limit)
		}

		resp, err := makeRequest("GET", path, nil)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		env, err := decodeEnvelope(resp)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		if outputJSON {
			printOutput(env)
			return nil
		}

		var data struct {
			DeadLetters []struct {
				At        string `json:"at"`
				Reason    string `json:"reason"`
				Attempt   int    `json:"attempt"`
				LastError string `json:"last_error,omitempty"`
				Task      struct {
					TaskID   string `json:"task_id"`
					TenantID string `json:"tenant_id"`
					Type     string `json:"type"`
				} `json:"task"`
			} `json:"dead_letters"`
			Count int `json:"count"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("unexpected response data: %w", err)
		}

		if data.Count == 0 {
			fmt.Printf("No dead letters for service %s\n", service)
			return nil
		}

		fmt.Printf("Dead letters for service %s (%d):\n", service, data.Count)
		for _, dl := range data.DeadLetters {
			fmt.Printf("  %s  %s\n", dl.Task.TaskID, dl.Task.Type)
			fmt.Printf("    Tenant: %s\n", dl.Task.TenantID)
			fmt.Printf("    At: %s  Attempts: %d  Reason: %s\n", dl.At, dl.Attempt, dl.Reason)
			if dl.LastError != "" {
				fmt.Printf("    Last error: %s\n", dl.LastError)
			}
		}

		return nil
	},
}

// dlqRequeueCmd represents the requeue command
var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue [task-id]",
	Short: "Requeue a dead letter",
	Long: `Move a dead-lettered task back onto its service queue with a fresh
attempt budget.

Example:
  taskctl dlq requeue 0d9c6f1a-... --service embedding`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]
		service, _ := cmd.Flags().GetString("service")

		if service == "" {
			return fmt.Errorf("--service is required")
		}

		req := map[string]any{
			"service": service,
			"task_id": taskID,
		}

		resp, err := makeRequest("POST", "/v1/dlq/requeue", req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		env, err := decodeEnvelope(resp)
		if err != nil {
			return fmt.Errorf("failed to requeue dead letter: %w", err)
		}

		if outputJSON {
			printOutput(env)
			return nil
		}

		fmt.Printf("Requeued task: %s\n", taskID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)

	// Flags for list
	dlqListCmd.Flags().String("service", "", "service queue to inspect")
	dlqListCmd.Flags().Int("limit", 50, "maximum entries to return")

	// Flags for requeue
	dlqRequeueCmd.Flags().String("service", "", "service queue the task dead-lettered on")
}
