package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/gateway"
)

// watchOptions selects the live query to print.
type watchOptions struct {
	server string
	token  string
	query  string
	args   string
	count  int
}

func newWatchCmd() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to a live query and print every result",
		Example: `  fleetctl watch --token $TOKEN --query listAgents
  fleetctl watch --token $TOKEN --query listLogs --args '{"agentId":"...","limit":20}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "fleet-telemetry base URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "dashboard JWT (required)")
	cmd.Flags().StringVar(&opts.query, "query", "listAgents", "query name")
	cmd.Flags().StringVar(&opts.args, "args", "", "query arguments as a JSON object")
	cmd.Flags().IntVar(&opts.count, "count", 0, "exit after this many results (0 runs until the server closes)")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func wsURL(server, token string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func watch(out io.Writer, opts *watchOptions) error {
	target, err := wsURL(opts.server, opts.token)
	if err != nil {
		return err
	}

	frame := gateway.ClientFrame{Op: gateway.OpSubscribe, ID: "watch", Query: opts.query}
	if opts.args != "" {
		if !json.Valid([]byte(opts.args)) {
			return fmt.Errorf("--args is not valid JSON")
		}
		frame.Args = json.RawMessage(opts.args)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket handshake failed with status %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	for seen := 0; opts.count == 0 || seen < opts.count; {
		var msg gateway.ServerFrame
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		switch msg.Type {
		case gateway.FrameError:
			return fmt.Errorf("%s: %s", msg.Code, msg.Error)
		case gateway.FrameResult:
			fmt.Fprintf(out, "#%d %s\n", msg.Seq, msg.Data)
			seen++
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}
