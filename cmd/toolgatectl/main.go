// Command toolgatectl is a minimal client for exercising a running
// gateway from a terminal: dial the WebSocket control plane, authenticate,
// submit one tool_request, and print whatever the gateway decides. It
// speaks the same Envelope wire format the gateway's own session package
// uses, reusing those types directly rather than redeclaring them.
//
// Exit codes follow spec.md §6: 0 success, 1 denied, 2 timed out, 3
// connection error, 4 invalid args.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolgate/internal/gateway"
)

const (
	exitSuccess         = 0
	exitDenied          = 1
	exitTimedOut        = 2
	exitConnectionError = 3
	exitInvalidArgs     = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		addr      string
		token     string
		tool      string
		argsJSON  string
		requestID string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:          "toolgatectl",
		Short:        "Submit a tool request to a running toolgate gateway",
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&addr, "addr", "ws://127.0.0.1:8443/ws", "Gateway WebSocket URL")
	cmd.Flags().StringVar(&token, "token", "", "Agent bearer token")
	cmd.Flags().StringVar(&tool, "tool", "", "Tool name to invoke")
	cmd.Flags().StringVar(&argsJSON, "args", "{}", "Tool arguments as a JSON object")
	cmd.Flags().StringVar(&requestID, "request-id", "", "Request id (defaults to a generated UUID)")
	cmd.Flags().DurationVar(&timeout, "wait", 20*time.Minute, "Maximum time to wait for a terminal resolution")

	exitCode := exitSuccess
	cmd.RunE = func(c *cobra.Command, _ []string) error {
		exitCode = invoke(c.Context(), invokeOptions{
			addr: addr, token: token, tool: tool, argsJSON: argsJSON, requestID: requestID, timeout: timeout,
		})
		return nil
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConnectionError
	}
	return exitCode
}

type invokeOptions struct {
	addr, token, tool, argsJSON, requestID string
	timeout                                time.Duration
}

func invoke(ctx context.Context, opts invokeOptions) int {
	if strings.TrimSpace(opts.tool) == "" {
		fmt.Fprintln(os.Stderr, "toolgatectl: --tool is required")
		return exitInvalidArgs
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(opts.argsJSON), &args); err != nil {
		fmt.Fprintf(os.Stderr, "toolgatectl: --args is not valid JSON: %v\n", err)
		return exitInvalidArgs
	}
	requestID := opts.requestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, opts.addr, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "toolgatectl: dial %s: %v\n", opts.addr, err)
		return exitConnectionError
	}
	defer conn.Close() //nolint:errcheck

	if err := sendAuth(conn, opts.token); err != nil {
		fmt.Fprintf(os.Stderr, "toolgatectl: auth: %v\n", err)
		return exitConnectionError
	}

	if err := sendToolRequest(conn, requestID, opts.tool, args); err != nil {
		fmt.Fprintf(os.Stderr, "toolgatectl: send tool_request: %v\n", err)
		return exitConnectionError
	}

	conn.SetReadDeadline(time.Now().Add(opts.timeout)) //nolint:errcheck
	for {
		var env gateway.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			fmt.Fprintf(os.Stderr, "toolgatectl: read: %v\n", err)
			return exitConnectionError
		}
		if env.ID != requestID {
			continue
		}
		return report(env)
	}
}

func sendAuth(conn *websocket.Conn, token string) error {
	params, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return err
	}
	env := gateway.Envelope{ProtocolVersion: gateway.ProtocolVersion, Method: "auth", ID: "auth", Params: params}
	if err := conn.WriteJSON(env); err != nil {
		return err
	}
	var reply gateway.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return err
	}
	if reply.Error != nil {
		return fmt.Errorf("%s", reply.Error.Message)
	}
	return nil
}

func sendToolRequest(conn *websocket.Conn, requestID, tool string, args map[string]any) error {
	params, err := json.Marshal(map[string]any{
		"request_id": requestID,
		"tool":       tool,
		"args":       args,
	})
	if err != nil {
		return err
	}
	env := gateway.Envelope{ProtocolVersion: gateway.ProtocolVersion, Method: "tool_request", ID: requestID, Params: params}
	return conn.WriteJSON(env)
}

// report prints the terminal envelope to stdout and maps its outcome to
// one of spec.md §6's process exit codes.
func report(env gateway.Envelope) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if env.Error == nil {
		enc.Encode(env.Result) //nolint:errcheck
		return exitSuccess
	}

	enc.Encode(env.Error) //nolint:errcheck
	switch env.Error.Code {
	case gateway.CodeDeniedByUser, gateway.CodeDeniedByPolicy:
		return exitDenied
	case gateway.CodeApprovalTimedOut:
		return exitTimedOut
	case gateway.CodeParseError, gateway.CodeInvalidRequest, gateway.CodeMethodNotFound:
		return exitInvalidArgs
	case gateway.CodeNotAuthenticated, gateway.CodeRateLimitExceeded, gateway.CodeExecutionFailed:
		return exitConnectionError
	default:
		return exitConnectionError
	}
}
