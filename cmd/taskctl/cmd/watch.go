package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// wsMessage mirrors the gateway's WebSocket envelope.
type wsMessage struct {
	MessageID     string `json:"message_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Type          struct {
		Domain string `json:"domain"`
		Action string `json:"action"`
	} `json:"type"`
	SchemaVersion string          `json:"schema_version"`
	CreatedAt     time.Time       `json:"created_at"`
	TenantID      string          `json:"tenant_id,omitempty"`
	SourceService string          `json:"source_service,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch live task events over WebSocket",
	Long: `Connect to the gateway WebSocket and print task events as they arrive.

With --task the connection starts by syncing those task ids: terminal tasks
replay their results immediately and pending ones are subscribed on this
connection. Press Ctrl-C to disconnect.

Example:
  taskctl watch --session 7f3a... --task 0d9c6f1a-...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		taskIDs, _ := cmd.Flags().GetStringSlice("task")
		lastMessageID, _ := cmd.Flags().GetString("last-message-id")

		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		u := url.URL{Scheme: "ws", Host: serverAddr, Path: "/ws"}
		q := u.Query()
		q.Set("session_id", sessionID)
		u.RawQuery = q.Encode()

		header := http.Header{}
		if jwtToken != "" {
			header.Set("Authorization", "Bearer "+jwtToken)
		} else if tenantID != "" {
			header.Set("X-Tenant-ID", tenantID)
		}

		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		conn, resp, err := dialer.Dial(u.String(), header)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("failed to connect (HTTP %d): %w", resp.StatusCode, err)
			}
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer conn.Close()

		fmt.Fprintf(os.Stderr, "Connected, session %s\n", sessionID)

		if len(taskIDs) > 0 {
			sync := wsMessage{
				MessageID:     uuid.NewString(),
				SchemaVersion: "1.0",
				CreatedAt:     time.Now().UTC(),
			}
			sync.Type.Domain = "session"
			sync.Type.Action = "sync"
			data, _ := json.Marshal(map[string]any{
				"task_ids":        taskIDs,
				"last_message_id": lastMessageID,
			})
			sync.Data = data
			if err := conn.WriteJSON(sync); err != nil {
				return fmt.Errorf("failed to send sync: %w", err)
			}
		}

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						fmt.Fprintf(os.Stderr, "Connection closed: %v\n", err)
					}
					return
				}
				printEvent(raw)
			}
		}()

		for {
			select {
			case <-done:
				return nil
			case <-interrupt:
				// Clean close, then give the server a moment to respond.
				err := conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				if err != nil {
					return nil
				}
				select {
				case <-done:
				case <-time.After(time.Second):
				}
				return nil
			}
		}
	},
}

// printEvent renders one inbound frame.
func printEvent(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		fmt.Println(string(raw))
		return
	}

	if outputJSON {
		printOutput(msg)
		return
	}

	fmt.Printf("%s  %s.%s", msg.CreatedAt.Format(time.RFC3339), msg.Type.Domain, msg.Type.Action)
	if msg.SourceService != "" {
		fmt.Printf("  from=%s", msg.SourceService)
	}
	fmt.Println()
	if len(msg.Data) > 0 {
		fmt.Printf("  %s\n", string(msg.Data))
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String("session", "", "session id to connect as (default: a fresh id)")
	watchCmd.Flags().StringSlice("task", nil, "task id to sync on connect (repeatable)")
	watchCmd.Flags().String("last-message-id", "", "last message id seen before reconnecting")
}
