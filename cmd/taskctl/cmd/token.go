package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development JWT",
	Long: `Mint a JWT from the development token server.

Tenant tokens act on one tenant; service tokens may act on any tenant and
unlock operator endpoints like the DLQ.

Examples:
  taskctl token --tenant tn_123
  taskctl token --service dashboard`,
	RunE: func(cmd *cobra.Command, args []string) error {
		authServer, _ := cmd.Flags().GetString("auth-server")
		service, _ := cmd.Flags().GetString("service")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if tenantID == "" && service == "" {
			return fmt.Errorf("--tenant or --service is required")
		}

		req := map[string]any{
			"ttl_seconds": int(ttl.Seconds()),
		}
		if tenantID != "" {
			req["tenant_id"] = tenantID
		}
		if service != "" {
			req["service"] = service
		}

		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}

		client := &http.Client{Timeout: timeout}
		resp, err := client.Post("http://"+authServer+"/token", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("token server error: HTTP %d", resp.StatusCode)
		}

		var out struct {
			Token     string `json:"token"`
			ExpiresIn int    `json:"expires_in"`
			TokenType string `json:"token_type"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if outputJSON {
			printOutput(out)
			return nil
		}

		fmt.Println(out.Token)
		fmt.Fprintf(cmd.ErrOrStderr(), "Expires in %ds. Export it:\n  export TASKWIRE_TOKEN=%s\n", out.ExpiresIn, out.Token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("auth-server", "localhost:8082", "token server address (host:port)")
	tokenCmd.Flags().String("service", "", "mint a service token with this service name")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
}
