// rootprobe-helper is the privileged side of the "helper" backend.
// It runs as root (from a systemd unit) and executes the command lines it
// receives on a Unix domain socket that only the rootprobe user can reach.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/doughall/rootprobe/internal/executor"
	"github.com/doughall/rootprobe/internal/helper"
	"github.com/doughall/rootprobe/internal/logging"
	"github.com/doughall/rootprobe/internal/systemd"
	"github.com/doughall/rootprobe/internal/version"
)

const name = "rootprobe-helper"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cmd := &cli.Command{
		Name:    name,
		Usage:   "Run privileged commands for rootprobe over a Unix socket",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Usage: "socket path",
				Value: helper.DefaultSocketPath,
			},
			&cli.StringFlag{
				Name:  "shell",
				Usage: "shell the commands run in",
				Value: executor.DefaultShell,
			},
			&cli.IntFlag{
				Name:  "allow-uid",
				Usage: "uid that owns the socket (default: keep root ownership)",
				Value: -1,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn, error",
				Value: "info",
			},
		},
		Action: run,
	}
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger := logging.SetupLogger(cmd.String("log-level"), "json")
	socketPath := cmd.String("socket")

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	// A stale socket from an earlier run blocks Listen.
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("create socket: %w", err)
	}
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}
	if uid := cmd.Int("allow-uid"); uid >= 0 {
		if err := os.Chown(socketPath, uid, -1); err != nil {
			listener.Close()
			return fmt.Errorf("chown socket to uid %d: %w", uid, err)
		}
	}

	logger.Info("helper started",
		slog.String("socket", socketPath),
		slog.String("version", version.Version),
		slog.Int("uid", os.Getuid()),
	)

	notifier := systemd.NewNotifier(logging.WithComponent(logger, "systemd"))
	notifier.Ready()
	defer notifier.Stopping()

	server := helper.NewServer(executor.New(cmd.String("shell")), logging.WithComponent(logger, "helper"))
	if err := server.Serve(ctx, listener); err != nil {
		return err
	}
	logger.Info("helper shutting down")
	return nil
}
