// Package driver holds the process-wide view of the kernel driver: the last
// descriptor reported by a successful probe and whether it is loaded.
//
// A Handle is created by the composition root and passed to consumers. Only
// the bootstrapper writes it; everyone else reads.
package driver

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var driverLoaded = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "rootprobe_driver_loaded",
	Help: "1 when a driver descriptor has been published",
})

// State is a point-in-time copy of a Handle.
type State struct {
	FD        int32     `json:"fd"`
	HasFD     bool      `json:"has_fd"`
	Loaded    bool      `json:"loaded"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Handle is safe for concurrent use. The zero value is unloaded.
type Handle struct {
	mu        sync.RWMutex
	fd        int32
	loaded    bool
	updatedAt time.Time
}

// NewHandle returns an unloaded Handle.
func NewHandle() *Handle {
	return &Handle{}
}

// SetFD publishes fd and marks the driver loaded, replacing any earlier value.
// There is no way to unload; the descriptor belongs to this process and goes
// away with it.
func (h *Handle) SetFD(fd int32) {
	h.mu.Lock()
	h.fd = fd
	h.loaded = true
	h.updatedAt = time.Now()
	h.mu.Unlock()
	driverLoaded.Set(1)
}

// FD returns the published descriptor.
func (h *Handle) FD() (int32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.fd, h.loaded
}

// Loaded reports whether a descriptor has been published.
func (h *Handle) Loaded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loaded
}

// Snapshot returns a consistent copy of the current state.
func (h *Handle) Snapshot() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return State{FD: h.fd, HasFD: h.loaded, Loaded: h.loaded, UpdatedAt: h.updatedAt}
}
