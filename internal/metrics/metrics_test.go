package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/broker/pkg/types"
)

func scrape(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandlerExportsCountersAndEscapes(t *testing.T) {
	c := New()
	c.IncCall("NtCreateFile", "ask_broker")
	c.IncCall("NtCreateFile", "ask_broker")
	c.IncCall("NtOpenKey", "deny_access")
	c.IncEvent("decision")
	c.IncEvent("bar\n\"x\"")
	c.IncPing()
	c.IncTerminated()
	c.IncPanic()

	body := scrape(t, c.Handler(HandlerOptions{TargetCount: func() int { return 7 }}), "/metrics").Body.String()

	for _, want := range []string{
		"agentsh_broker_up 1",
		"agentsh_broker_calls_total 3",
		`agentsh_broker_calls_by_service_total{service="NtCreateFile",result="ask_broker"} 2`,
		`agentsh_broker_calls_by_service_total{service="NtOpenKey",result="deny_access"} 1`,
		"agentsh_broker_pings_total 1",
		"agentsh_broker_targets_terminated_total 1",
		"agentsh_broker_handler_panics_total 1",
		"agentsh_broker_events_total 2",
		`agentsh_broker_events_by_type_total{type="bar\n\"x\""} 1`,
		"agentsh_broker_targets_active 7",
	} {
		assert.Contains(t, body, want)
	}
	assert.Less(t, strings.Index(body, `service="NtCreateFile"`), strings.Index(body, `service="NtOpenKey"`))
	assert.Equal(t, uint64(2), c.CallCount("NtCreateFile", "ask_broker"))
	assert.Zero(t, c.CallCount("NtCreateFile", "deny_access"))
}

func TestRouter(t *testing.T) {
	c := New()
	healthy := false
	r := c.Router(HandlerOptions{}, func() bool { return healthy })

	assert.Equal(t, http.StatusServiceUnavailable, scrape(t, r, "/healthz").Code)
	healthy = true
	rec := scrape(t, r, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = scrape(t, r, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentsh_broker_up 1")
	assert.NotContains(t, rec.Body.String(), "targets_active")

	assert.Equal(t, http.StatusNotFound, scrape(t, r, "/other").Code)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.IncCall("x", "y")
		c.IncEvent("x")
		c.IncPing()
		c.IncTerminated()
		c.IncPanic()
	})
}

type fakeEventStore struct {
	mu    sync.Mutex
	count int
	err   error
}

func (f *fakeEventStore) AppendEvent(ctx context.Context, ev types.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return f.err
}

func (f *fakeEventStore) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	return nil, nil
}

func (f *fakeEventStore) Close() error { return nil }

func TestWrapEventStoreIncrementsCollector(t *testing.T) {
	c := New()
	inner := &fakeEventStore{}
	store := WrapEventStore(inner, c)

	require.NoError(t, store.AppendEvent(context.Background(), types.Event{Type: types.EventDecision}))
	assert.Equal(t, uint64(1), c.eventsTotal.Load())
	assert.Equal(t, 1, inner.count)
	assert.Nil(t, WrapEventStore(nil, c))

	inner.err = errors.New("disk full")
	require.Error(t, store.AppendEvent(context.Background(), types.Event{Type: types.EventDecision}))
	assert.Equal(t, uint64(2), c.eventsTotal.Load())
	assert.Equal(t, uint64(1), c.auditFailed.Load())

	rec := scrape(t, c.Handler(HandlerOptions{}), "/metrics")
	assert.Contains(t, rec.Body.String(), "agentsh_broker_audit_failures_total 1\n")
}

func TestSnapshotKeysReturnsSorted(t *testing.T) {
	var m sync.Map
	m.Store("b", 1)
	m.Store("a", 1)
	m.Store("c", 1)
	assert.Equal(t, []string{"a", "b", "c"}, snapshotKeys(&m))
}
