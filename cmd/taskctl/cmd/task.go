package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

// taskCmd represents the task command
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
	Long:  `Submit tasks, check their status, and cancel them.`,
}

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit [task-type] [payload-json]",
	Short: "Submit a task",
	Long: `Submit a task with a JSON payload.

Example:
  taskctl task submit embedding.generate '{"text":"hello world"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskType := args[0]
		payloadJSON := ""
		if len(args) > 1 {
			payloadJSON = args[1]
		}

		idempotencyKey, _ := cmd.Flags().GetString("idempotency-key")
		sessionID, _ := cmd.Flags().GetString("session")

		payload, err := parsePayload(payloadJSON)
		if err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}

		req := map[string]any{
			"type":    taskType,
			"payload": payload,
		}
		if tenantID != "" {
			req["tenant_id"] = tenantID
		}
		if cmd.Flags().Changed("priority") {
			priority, _ := cmd.Flags().GetInt("priority")
			req["priority"] = priority
		}
		if idempotencyKey != "" {
			req["idempotency_key"] = idempotencyKey
		}
		if sessionID != "" {
			req["metadata"] = map[string]string{"session_id": sessionID}
		}

		resp, err := makeRequest("POST", "/v1/tasks", req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		env, err := decodeEnvelope(resp)
		if err != nil {
			return fmt.Errorf("failed to submit task: %w", err)
		}

		if outputJSON {
			printOutput(env)
			return nil
		}

		var accepted struct {
			TaskID string `json:"task_id"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(env.Data, &accepted); err != nil {
			return fmt.Errorf("unexpected response data: %w", err)
		}

		fmt.Printf("Submitted task: %s\n", accepted.TaskID)
		fmt.Printf("  Status: %s\n", accepted.Status)
		if dup, ok := env.Metadata["duplicate"].(bool); ok && dup {
			fmt.Println("  Duplicate: an earlier submission with this idempotency key was returned")
		}

		return nil
	},
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Get the status of a task",
	Long: `Get the current status of a task by id.

Service tokens must name the tenant with --tenant.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]

		path := "/v1/tasks/" + url.PathEscape(taskID)
		if tenantID != "" {
			path += "?tenant_id=" + url.QueryEscape(tenantID)
		}

		resp, err := makeRequest("GET", path, nil)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		env, err := decodeEnvelope(resp)
		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}

		if outputJSON {
			printOutput(env)
			return nil
		}

		var res struct {
			TaskID       string          `json:"task_id"`
			TenantID     string          `json:"tenant_id"`
			Type         string          `json:"type"`
			Status       string          `json:"status"`
			Result       json.RawMessage `json:"result,omitempty"`
			ErrorCode    string          `json:"error_code,omitempty"`
			ErrorMessage string          `json:"error_message,omitempty"`
			AttemptCount int             `json:"attempt_count"`
			CreatedAt    string          `json:"created_at"`
			CompletedAt  string          `json:"completed_at,omitempty"`
		}
		if err := json.Unmarshal(env.Data, &res); err != nil {
			return fmt.Errorf("unexpected response data: %w", err)
		}

		fmt.Printf("Task: %s\n", res.TaskID)
		fmt.Printf("  Tenant: %s\n", res.TenantID)
		fmt.Printf("  Type: %s\n", res.Type)
		fmt.Printf("  Status: %s\n", res.Status)
		fmt.Printf("  Attempts: %d\n", res.AttemptCount)
		fmt.Printf("  Created: %s\n", res.CreatedAt)
		if res.CompletedAt != "" {
			fmt.Printf("  Completed: %s\n", res.CompletedAt)
		}
		if res.ErrorCode != "" {
			fmt.Printf("  Error: %s (%s)\n", res.ErrorMessage, res.ErrorCode)
		}
		if len(res.Result) > 0 {
			fmt.Printf("  Result: %s\n", string(res.Result))
		}

		return nil
	},
}

// cancelCmd represents the cancel command
var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Long: `Request cancellation of a queued or running task.

Queued tasks are cancelled immediately; a running task is cancelled when its
worker observes the request.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]

		path := "/v1/tasks/" + url.PathEscape(taskID) + "/cancel"
		if tenantID != "" {
			path += "?tenant_id=" + url.QueryEscape(tenantID)
		}

		resp, err := makeRequest("POST", path, nil)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		env, err := decodeEnvelope(resp)
		if err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}

		if outputJSON {
			printOutput(env)
			return nil
		}

		var res struct {
			TaskID string `json:"task_id"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(env.Data, &res); err != nil {
			return fmt.Errorf("unexpected response data: %w", err)
		}

		fmt.Printf("Cancellation requested: %s\n", res.TaskID)
		fmt.Printf("  Status: %s\n", res.Status)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(submitCmd)
	taskCmd.AddCommand(statusCmd)
	taskCmd.AddCommand(cancelCmd)

	// Flags for submit
	submitCmd.Flags().Int("priority", 5, "priority 0-9, 9 most urgent (default comes from the task type)")
	submitCmd.Flags().String("idempotency-key", "", "idempotency key for deduplication")
	submitCmd.Flags().String("session", "", "WebSocket session id to bind the task's events to")
}
