// Package natspub publishes driver availability events to NATS and answers
// status requests.
//
// Subjects, for a base subject S (default "rootprobe.driver"):
//
//	S.<hostname>.event   every probe round (core NATS)
//	S.<hostname>.status  request/reply with the latest event
//
// Authentication uses an nkey seed when one is configured.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"

	"github.com/doughall/rootprobe/internal/monitor"
)

// Config holds NATS connection configuration.
type Config struct {
	Servers  []string
	NKeySeed string // user seed, starts with SU
	Subject  string
	Node     string // usually the hostname
}

// MessageEnvelope wraps every published message with type information.
type MessageEnvelope struct {
	Type      string          `json:"type"`
	Node      string          `json:"node"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// LastEventFunc returns the latest event, if any.
type LastEventFunc func() (monitor.Event, bool)

// Publisher is a monitor.Sink backed by a NATS connection.
type Publisher struct {
	config Config
	last   LastEventFunc
	logger *slog.Logger

	mu  sync.RWMutex
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewPublisher creates an unconnected publisher.
func NewPublisher(cfg Config, last LastEventFunc, logger *slog.Logger) *Publisher {
	return &Publisher{
		config: cfg,
		last:   last,
		logger: logger.With(slog.String("component", "nats")),
	}
}

// EventSubject is where round events go.
func (p *Publisher) EventSubject() string {
	return p.subject("event")
}

// StatusSubject answers status requests.
func (p *Publisher) StatusSubject() string {
	return p.subject("status")
}

func (p *Publisher) subject(kind string) string {
	node := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(p.config.Node)
	return fmt.Sprintf("%s.%s.%s", p.config.Subject, node, kind)
}

// Options builds the connection options, including nkey authentication
// when a seed is configured.
func (p *Publisher) Options() ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name("rootprobe-" + p.config.Node),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.PingInterval(30 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				p.logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			} else {
				p.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.logger.Info("NATS reconnected", slog.String("server", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				p.logger.Error("NATS error", slog.String("error", err.Error()), slog.String("subject", sub.Subject))
			} else {
				p.logger.Error("NATS error", slog.String("error", err.Error()))
			}
		}),
	}

	if p.config.NKeySeed == "" {
		return opts, nil
	}
	kp, err := nkeys.FromSeed([]byte(p.config.NKeySeed))
	if err != nil {
		return nil, fmt.Errorf("invalid nkey seed: %w", err)
	}
	pubKey, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	return append(opts, nats.Nkey(pubKey, kp.Sign)), nil
}

// Connect dials the servers and subscribes to the status subject.
func (p *Publisher) Connect(ctx context.Context) error {
	opts, err := p.Options()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(strings.Join(p.config.Servers, ","), opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	sub, err := nc.Subscribe(p.StatusSubject(), p.handleStatus)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe %s: %w", p.StatusSubject(), err)
	}

	p.mu.Lock()
	p.nc, p.sub = nc, sub
	p.mu.Unlock()

	p.logger.Info("NATS connected",
		slog.String("server", nc.ConnectedUrl()),
		slog.String("subject", p.EventSubject()),
	)
	return nil
}

func (p *Publisher) handleStatus(msg *nats.Msg) {
	ev, ok := p.last()
	if !ok {
		_ = msg.Respond([]byte(`{"type":"pending"}`))
		return
	}
	data, err := p.envelope("status", ev)
	if err != nil {
		p.logger.Error("failed to encode status", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		p.logger.Warn("failed to answer status request", slog.String("error", err.Error()))
	}
}

func (p *Publisher) envelope(kind string, ev monitor.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(MessageEnvelope{
		Type:      kind,
		Node:      p.config.Node,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Publish implements monitor.Sink.
func (p *Publisher) Publish(_ context.Context, ev monitor.Event) error {
	p.mu.RLock()
	nc := p.nc
	p.mu.RUnlock()
	if nc == nil {
		return fmt.Errorf("nats not connected")
	}

	data, err := p.envelope("event", ev)
	if err != nil {
		return err
	}
	if err := nc.Publish(p.EventSubject(), data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// IsConnected reports whether the connection is up.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nc != nil && p.nc.IsConnected()
}

// Shutdown drains the connection.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	nc, sub := p.nc, p.sub
	p.nc, p.sub = nil, nil
	p.mu.Unlock()

	if nc == nil {
		return nil
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	return nc.Drain()
}
