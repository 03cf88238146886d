package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/doughall/rootprobe/internal/logging"
	"github.com/doughall/rootprobe/internal/monitor"
	"github.com/doughall/rootprobe/internal/natspub"
	"github.com/doughall/rootprobe/internal/shutdown"
	"github.com/doughall/rootprobe/internal/status"
	"github.com/doughall/rootprobe/internal/systemd"
	"github.com/doughall/rootprobe/internal/version"
)

// natsConnectTimeout bounds the initial NATS dial; the daemon runs without NATS
// when it fails.
const natsConnectTimeout = 10 * time.Second

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run as a daemon: probe at startup and on the recheck schedule",
		Description: `Lifecycle:
  1. Load configuration and set up JSON logging
  2. Start the status listener and connect to NATS if configured
  3. Notify systemd that the service is ready (Type=notify)
  4. Probe once, then on every recheck_schedule activation or POST /probe
  5. On SIGTERM/SIGINT notify systemd and stop every component in order`,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(cmd, "json")
			if err != nil {
				return err
			}
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	logger := a.logger
	logger.Info("rootprobe starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("build_time", version.BuildTime),
		slog.String("config_path", a.configPath),
		slog.String("backend", a.cfg.DefaultBackend),
		slog.String("escalation", a.cfg.EscalationCommand),
		slog.String("recheck_schedule", a.cfg.RecheckSchedule),
	)

	coordinator := shutdown.NewCoordinator(logger)
	if a.history != nil {
		coordinator.Register("history", shutdown.Closer(a.history.Close))
	}
	coordinator.Register("root-executor", shutdown.Func(a.manager.Shutdown))

	mon, err := monitor.New(monitor.Options{
		Prober:   a.bootstrap,
		Handle:   a.handle,
		PID:      os.Getpid(),
		Schedule: a.cfg.RecheckSchedule,
		Logger:   logger,
	})
	if err != nil {
		_ = coordinator.Shutdown(context.Background())
		return err
	}
	// Stopped before the executor and history so a late round cannot use them.
	coordinator.Register("monitor", mon)

	notifier := systemd.NewNotifier(logging.WithComponent(logger, "systemd"))
	mon.AddSink(statusLine{notifier: notifier})

	var (
		statusServer *status.Server
		listener     net.Listener
	)
	if a.cfg.StatusAddr != "" {
		listener, err = net.Listen("tcp", a.cfg.StatusAddr)
		if err != nil {
			_ = coordinator.Shutdown(context.Background())
			return fmt.Errorf("listen %s: %w", a.cfg.StatusAddr, err)
		}
		statusServer = status.NewServer(status.DefaultConfig(a.cfg.StatusAddr), mon, a.handle, logger)
		mon.AddSink(statusServer.Hub())
		coordinator.Register("status", shutdown.Func(statusServer.Shutdown))
	}

	if a.cfg.NATSEnabled() {
		node, err := os.Hostname()
		if err != nil {
			node = "unknown"
		}
		pub := natspub.NewPublisher(natspub.Config{
			Servers:  a.cfg.NATSServerList(),
			NKeySeed: a.cfg.NATSNKeySeed,
			Subject:  a.cfg.NATSSubject,
			Node:     node,
		}, mon.Last, logger)

		connectCtx, cancel := context.WithTimeout(ctx, natsConnectTimeout)
		err = pub.Connect(connectCtx)
		cancel()
		if err != nil {
			logger.Warn("NATS connection failed, events are not published",
				slog.String("error", err.Error()),
			)
		} else {
			mon.AddSink(pub)
			coordinator.Register("nats", pub)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mon.Run(gctx)
	})
	if statusServer != nil {
		g.Go(func() error {
			return statusServer.Serve(listener)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		notifier.Stopping()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return coordinator.Shutdown(shutdownCtx)
	})

	notifier.Ready()
	notifier.StartWatchdog(gctx, mon.Healthy)
	logger.Info("rootprobe ready")

	if err := g.Wait(); err != nil {
		logger.Error("rootprobe stopped with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("rootprobe stopped")
	return nil
}

// statusLine mirrors every round into the systemd status line.
type statusLine struct {
	notifier *systemd.Notifier
}

func (s statusLine) Publish(_ context.Context, ev monitor.Event) error {
	msg := "driver unavailable"
	if fd, ok := ev.Driver.FD, ev.Driver.HasFD; ev.Available && ok {
		msg = fmt.Sprintf("driver fd %d", fd)
	}
	if ev.Failure != "" {
		msg += " (" + ev.Failure + ")"
	}
	s.notifier.Status(msg)
	return nil
}
