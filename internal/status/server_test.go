package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doughall/rootprobe/internal/driver"
	"github.com/doughall/rootprobe/internal/monitor"
	"github.com/doughall/rootprobe/internal/probe"
)

type fakeMonitor struct {
	mu      sync.Mutex
	healthy bool
	last    *monitor.Event
	checks  int
	handle  *driver.Handle
}

func (f *fakeMonitor) Check(_ context.Context, reason string) monitor.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	f.handle.SetFD(17)
	ev := monitor.Event{
		At:        time.Now(),
		Reason:    reason,
		Available: true,
		Changed:   f.last == nil,
		Outcome:   probe.Outcome{Installed: true, DriverFD: 17, HasFD: true, Status: "success", Stage: probe.StageStructured},
		Driver:    f.handle.Snapshot(),
	}
	f.last = &ev
	return ev
}

func (f *fakeMonitor) Last() (monitor.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return monitor.Event{}, false
	}
	return *f.last, true
}

func (f *fakeMonitor) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func newTestServer(t *testing.T) (*Server, *fakeMonitor, *httptest.Server) {
	t.Helper()
	h := driver.NewHandle()
	m := &fakeMonitor{healthy: true, handle: h}
	s := NewServer(DefaultConfig("127.0.0.1:0"), m, h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Hub().Close()
		ts.Close()
	})
	return s, m, ts
}

func TestHealthz(t *testing.T) {
	_, m, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	m.mu.Lock()
	m.healthy = false
	m.mu.Unlock()
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusAndProbe(t *testing.T) {
	_, m, ts := newTestServer(t)

	var st StatusResponse
	getJSON(t, ts.URL+"/status", &st)
	assert.False(t, st.Available)
	assert.Nil(t, st.Last)

	resp, err := http.Post(ts.URL+"/probe", "application/json", nil)
	require.NoError(t, err)
	var ev monitor.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ev))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, ev.Available)
	assert.Equal(t, monitor.ReasonManual, ev.Reason)

	resp, err = http.Post(ts.URL+"/probe", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "10", resp.Header.Get("Retry-After"))
	assert.Equal(t, 1, m.checks)

	getJSON(t, ts.URL+"/status", &st)
	assert.True(t, st.Available)
	require.NotNil(t, st.Last)
	assert.Equal(t, int32(17), st.Driver.FD)
}

func TestProbeRequiresPost(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/probe")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rootprobe_status_rate_limit_rejects_total")
}

func TestWebsocket(t *testing.T) {
	s, m, ts := newTestServer(t)
	m.Check(context.Background(), monitor.ReasonStartup)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first monitor.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, monitor.ReasonStartup, first.Reason)

	require.Eventually(t, func() bool { return s.Hub().Clients() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Hub().Publish(context.Background(), monitor.Event{Reason: monitor.ReasonSchedule, Available: true}))

	var next monitor.Event
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, monitor.ReasonSchedule, next.Reason)

	s.Hub().Close()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
