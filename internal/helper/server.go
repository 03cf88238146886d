// server.go is the helper side of the protocol. It is used by cmd/rootprobe-helper
// and by tests, which run it unprivileged against a socket in a temp directory.
package helper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/doughall/rootprobe/internal/executor"
)

// DefaultCommandTimeout applies when a request carries no timeout.
const DefaultCommandTimeout = 60 * time.Second

// Server accepts helper requests and runs them with the configured executor.
type Server struct {
	exec   *executor.Executor
	logger *slog.Logger
}

// NewServer creates a server executing commands with exec.
func NewServer(exec *executor.Executor, logger *slog.Logger) *Server {
	return &Server{
		exec:   exec,
		logger: logger,
	}
}

// Serve accepts connections on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Upper bound for long-running commands.
	conn.SetDeadline(time.Now().Add(time.Hour))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.reply(conn, errorResponse(fmt.Sprintf("invalid request: %s", err.Error())))
		return
	}

	switch req.Type {
	case RequestTypePing:
		s.reply(conn, &Response{Success: true, UID: os.Geteuid()})
		return
	case RequestTypeExecute:
	default:
		s.reply(conn, errorResponse(fmt.Sprintf("unknown request type: %s", req.Type)))
		return
	}
	if req.Command == "" {
		s.reply(conn, errorResponse("empty command"))
		return
	}

	timeout := time.Duration(req.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	s.logger.Info("executing command", slog.Int64("timeout_ms", timeout.Milliseconds()))

	result, err := s.exec.Execute(ctx, req.Command, timeout)
	if err != nil {
		s.reply(conn, errorResponse(err.Error()))
		return
	}
	resp := &Response{
		Success:  true,
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		Duration: result.DurationMs(),
		TimedOut: result.TimedOut,
		UID:      os.Geteuid(),
	}
	s.reply(conn, resp)

	s.logger.Info("command completed",
		slog.Int("exit_code", resp.ExitCode),
		slog.Bool("timed_out", resp.TimedOut),
		slog.Int64("duration_ms", resp.Duration),
	)
}

func (s *Server) reply(conn net.Conn, resp *Response) {
	if !resp.Success {
		s.logger.Error("request error", slog.String("error", resp.Error))
	}
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

func errorResponse(msg string) *Response {
	return &Response{Success: false, Error: msg}
}
