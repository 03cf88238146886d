package systemd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mu     sync.Mutex
	states []string
	err    error
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func newTestNotifier(r *recorder) *Notifier {
	n := NewNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.notify = r.notify
	return n
}

func TestNotifier(t *testing.T) {
	r := &recorder{}
	n := newTestNotifier(r)

	assert.True(t, n.Ready())
	assert.True(t, n.Status("driver loaded (fd 17)"))
	assert.True(t, n.Stopping())
	assert.Equal(t, []string{daemon.SdNotifyReady, "STATUS=driver loaded (fd 17)", daemon.SdNotifyStopping}, r.got())

	r.err = errors.New("socket gone")
	assert.False(t, n.Ready())
}

func TestNotifier_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := NewNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.False(t, n.Ready())
	assert.False(t, IsRunningUnderSystemd())
}

func TestWatchdogLoop(t *testing.T) {
	r := &recorder{}
	n := newTestNotifier(r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	healthy := false
	go n.watchdogLoop(ctx, 5*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return healthy
	})

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, r.got(), "unhealthy service is not pinged")

	mu.Lock()
	healthy = true
	mu.Unlock()
	assert.Eventually(t, func() bool { return len(r.got()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, daemon.SdNotifyWatchdog, r.got()[0])
}
