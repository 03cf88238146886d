// client.go talks to rootprobe-helper, which runs as root and executes commands
// on behalf of the unprivileged process. A Client satisfies the session
// contract used by the root executor, so the default session can be backed by
// the helper instead of a persistent su shell.
package helper

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/doughall/rootprobe/internal/executor"
)

// Client communicates with the privileged helper.
type Client struct {
	socketPath  string
	dialTimeout time.Duration
}

// NewClient creates a helper client for socketPath (DefaultSocketPath if empty).
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath:  socketPath,
		dialTimeout: 5 * time.Second,
	}
}

// SocketPath returns the socket the client dials.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Ping verifies the helper answers and reports the uid it runs as.
func (c *Client) Ping(ctx context.Context) (int, error) {
	resp, err := c.roundTrip(ctx, Request{Type: RequestTypePing})
	if err != nil {
		return -1, err
	}
	return resp.UID, nil
}

// Run sends commandLine to the helper for privileged execution.
func (c *Client) Run(ctx context.Context, commandLine string, timeout time.Duration) (*executor.Result, error) {
	started := time.Now()
	resp, err := c.roundTrip(ctx, Request{
		Type:    RequestTypeExecute,
		Command: commandLine,
		Timeout: timeout.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	return &executor.Result{
		ExitCode:  resp.ExitCode,
		Stdout:    resp.Stdout,
		Stderr:    resp.Stderr,
		Duration:  time.Duration(resp.Duration) * time.Millisecond,
		TimedOut:  resp.TimedOut,
		StartedAt: started,
	}, nil
}

// Close is a no-op: every request uses its own connection.
func (c *Client) Close() error {
	return nil
}

func (c *Client) roundTrip(ctx context.Context, req Request) (*Response, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("helper not available: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(&req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("helper error: %s", resp.Error)
	}
	return &resp, nil
}
