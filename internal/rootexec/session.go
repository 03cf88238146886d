package rootexec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/doughall/rootprobe/internal/executor"
	"github.com/doughall/rootprobe/internal/helper"
	"github.com/doughall/rootprobe/internal/shell"
)

// Session runs commands with elevated privileges. A Session is not safe for
// concurrent use; the Manager serializes access to shared sessions.
type Session interface {
	Run(ctx context.Context, commandLine string, timeout time.Duration) (*executor.Result, error)
	Close() error
}

// SessionFactory builds a session for an escalation command. The shared
// default session is built with DefaultEscalation.
type SessionFactory func(ctx context.Context, escalation string) (Session, error)

// Backends for the default session.
const (
	BackendShell  = "shell"
	BackendHelper = "helper"
)

// FactoryConfig selects how sessions are built.
type FactoryConfig struct {
	// Backend of the default session: BackendShell or BackendHelper.
	Backend string
	// DefaultShell is the escalation command of the persistent default shell.
	DefaultShell string
	// ShellInit runs once when the persistent shell starts.
	ShellInit []string
	// HelperSocket is the rootprobe-helper socket for BackendHelper.
	HelperSocket string
	// StartTimeout bounds shell startup and helper ping.
	StartTimeout time.Duration
}

// NewSessionFactory returns the production factory. The default session is a
// persistent escalated shell or the root helper; any other escalation command
// gets a one-shot session that spawns `<escalation> -c <command>` per call.
func NewSessionFactory(cfg FactoryConfig, logger *slog.Logger) SessionFactory {
	return func(ctx context.Context, escalation string) (Session, error) {
		if escalation != DefaultEscalation {
			if _, err := executor.ResolveEscalation(escalation); err != nil {
				return nil, err
			}
			return oneShot{exec: executor.New(escalation)}, nil
		}

		switch cfg.Backend {
		case BackendHelper:
			client := helper.NewClient(cfg.HelperSocket)
			pingCtx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
			defer cancel()
			uid, err := client.Ping(pingCtx)
			if err != nil {
				return nil, err
			}
			if uid != 0 {
				logger.Warn("root helper is not running as root", slog.Int("uid", uid))
			}
			return client, nil
		case BackendShell, "":
			sh, err := shell.Start(ctx, shell.Options{
				Escalation:   cfg.DefaultShell,
				Init:         cfg.ShellInit,
				StartTimeout: cfg.StartTimeout,
				Logger:       logger,
			})
			if err != nil {
				return nil, err
			}
			return sh, nil
		default:
			return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
		}
	}
}

type oneShot struct {
	exec *executor.Executor
}

func (o oneShot) Run(ctx context.Context, commandLine string, timeout time.Duration) (*executor.Result, error) {
	return o.exec.Execute(ctx, commandLine, timeout)
}

func (oneShot) Close() error { return nil }

// aliveChecker is implemented by sessions that can die between commands.
type aliveChecker interface {
	Alive() bool
}

func sessionAlive(s Session) bool {
	if a, ok := s.(aliveChecker); ok {
		return a.Alive()
	}
	return true
}
