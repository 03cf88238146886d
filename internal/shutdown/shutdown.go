// Package shutdown stops the daemon's components in reverse order of
// registration, so that a component is stopped before the things it uses.
//
// Usage:
//
//	coord := shutdown.NewCoordinator(logger)
//	coord.Register("executor", manager)
//	coord.Register("monitor", monitor)
//	coord.Shutdown(ctx) // stops monitor first, then executor
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Shutdowner is implemented by components that take part in shutdown. It
// should respect ctx's deadline.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Func adapts a function to Shutdowner.
type Func func(ctx context.Context) error

func (f Func) Shutdown(ctx context.Context) error { return f(ctx) }

// Closer adapts an io.Closer style Close method to Shutdowner.
func Closer(close func() error) Shutdowner {
	return Func(func(context.Context) error { return close() })
}

type component struct {
	name       string
	shutdowner Shutdowner
}

// Coordinator runs registered shutdowns once, last registered first.
type Coordinator struct {
	mu         sync.Mutex
	components []component
	done       bool
	logger     *slog.Logger
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger.With(slog.String("component", "shutdown")),
	}
}

// Register adds a component. Components registered after Shutdown has run
// are stopped immediately with a background context.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		c.stop(context.Background(), component{name: name, shutdowner: s})
		return
	}
	c.components = append(c.components, component{name: name, shutdowner: s})
	c.mu.Unlock()
	c.logger.Debug("registered shutdown handler", slog.String("handler", name))
}

// Shutdown stops all components in reverse order and joins their errors.
// Once ctx expires the remaining components are skipped and reported.
// Calling it again is a no-op.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	c.done = true
	components := c.components
	c.components = nil
	c.mu.Unlock()

	c.logger.Info("starting coordinated shutdown", slog.Int("components", len(components)))

	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		comp := components[i]
		if ctx.Err() != nil {
			c.logger.Error("shutdown deadline exceeded", slog.String("remaining_component", comp.name))
			errs = append(errs, fmt.Errorf("skipped %s: %w", comp.name, ctx.Err()))
			continue
		}
		if err := c.stop(ctx, comp); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("coordinated shutdown completed with errors")
	} else {
		c.logger.Info("coordinated shutdown complete")
	}
	return err
}

func (c *Coordinator) stop(ctx context.Context, comp component) error {
	start := time.Now()
	err := comp.shutdowner.Shutdown(ctx)
	if err != nil {
		c.logger.Error("component shutdown failed",
			slog.String("handler", comp.name),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to shutdown %s: %w", comp.name, err)
	}
	c.logger.Debug("component shutdown complete",
		slog.String("handler", comp.name),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}
