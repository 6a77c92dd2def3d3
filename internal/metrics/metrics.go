// Package metrics exports broker counters in the Prometheus text format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	callsTotal atomic.Uint64
	byCall     sync.Map // callKey -> *atomic.Uint64

	eventsTotal atomic.Uint64
	byType      sync.Map // string -> *atomic.Uint64

	pings       atomic.Uint64
	terminated  atomic.Uint64
	panics      atomic.Uint64
	auditFailed atomic.Uint64
}

type callKey struct {
	service string
	result  string
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// IncCall counts one dispatched call and the decision it got.
func (c *Collector) IncCall(service, result string) {
	if c == nil {
		return
	}
	c.callsTotal.Add(1)
	ptr, _ := c.byCall.LoadOrStore(callKey{service: service, result: result}, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) IncEvent(eventType string) {
	if c == nil {
		return
	}
	c.eventsTotal.Add(1)
	if eventType == "" {
		eventType = "unknown"
	}
	ptr, _ := c.byType.LoadOrStore(eventType, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) IncPing() {
	if c == nil {
		return
	}
	c.pings.Add(1)
}

func (c *Collector) IncTerminated() {
	if c == nil {
		return
	}
	c.terminated.Add(1)
}

func (c *Collector) IncPanic() {
	if c == nil {
		return
	}
	c.panics.Add(1)
}

// IncAuditFailure counts one event the audit sink rejected.
func (c *Collector) IncAuditFailure() {
	if c == nil {
		return
	}
	c.auditFailed.Add(1)
}

// CallCount returns the number of calls to service decided as result.
func (c *Collector) CallCount(service, result string) uint64 {
	ptr, ok := c.byCall.Load(callKey{service: service, result: result})
	if !ok {
		return 0
	}
	return ptr.(*atomic.Uint64).Load()
}

type HandlerOptions struct {
	TargetCount func() int
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP agentsh_broker_up Whether the broker is running.\n")
		fmt.Fprint(w, "# TYPE agentsh_broker_up gauge\n")
		fmt.Fprint(w, "agentsh_broker_up 1\n")

		fmt.Fprint(w, "# HELP agentsh_broker_uptime_seconds Seconds since the broker started.\n")
		fmt.Fprint(w, "# TYPE agentsh_broker_uptime_seconds gauge\n")
		fmt.Fprintf(w, "agentsh_broker_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

		fmt.Fprint(w, "# HELP agentsh_broker_calls_total Brokered calls dispatched.\n")
		fmt.Fprint(w, "# TYPE agentsh_broker_calls_total counter\n")
		fmt.Fprintf(w, "agentsh_broker_calls_total %d\n", c.callsTotal.Load())

		keys := snapshotCallKeys(&c.byCall)
		if len(keys) > 0 {
			fmt.Fprint(w, "# HELP agentsh_broker_calls_by_service_total Brokered calls by service and decision.\n")
			fmt.Fprint(w, "# TYPE agentsh_broker_calls_by_service_total counter\n")
			for _, k := range keys {
				ptr, _ := c.byCall.Load(k)
				fmt.Fprintf(w, "agentsh_broker_calls_by_service_total{service=\"%s\",result=\"%s\"} %d\n",
					escapeLabelValue(k.service), escapeLabelValue(k.result), ptr.(*atomic.Uint64).Load())
			}
		}

		fmt.Fprint(w, "# HELP agentsh_broker_pings_total Diagnostic round trips answered.\n")
		fmt.Fprint(w, "# TYPE agentsh_broker_pings_total counter\n")
		fmt.Fprintf(w, "agentsh_broker_pings_total %d\n", c.pings.Load())

		fmt.Fprint(w, "# HELP agentsh_broker_targets_terminated_total Targets terminated by the broker.\n")
		fmt.Fprint(w, "# TYPE agentsh_broker_targets_terminated_total counter\n")
		fmt.Fprintf(w, "agentsh_broker_targets_terminated_total %d\n", c.terminated.Load())

		fmt.Fprint(w, "# HELP agentsh_broker_handler_panics_total Handler panics recovered.\n")
		fmt.Fprint(w, "# TYPE agentsh_broker_handler_panics_total counter\n")
		fmt.Fprintf(w, "agentsh_broker_handler_panics_total %d\n", c.panics.Load())

		fmt.Fprint(w, "# HELP agentsh_broker_events_total Audit events appended.\n")
		fmt.Fprint(w, "# TYPE agentsh_broker_events_total counter\n")
		fmt.Fprintf(w, "agentsh_broker_events_total %d\n", c.eventsTotal.Load())

		fmt.Fprint(w, "# HELP agentsh_broker_audit_failures_total Audit events the sink rejected.\n")
		fmt.Fprint(w, "# TYPE agentsh_broker_audit_failures_total counter\n")
		fmt.Fprintf(w, "agentsh_broker_audit_failures_total %d\n", c.auditFailed.Load())

		evTypes := snapshotKeys(&c.byType)
		if len(evTypes) > 0 {
			fmt.Fprint(w, "# HELP agentsh_broker_events_by_type_total Audit events appended by type.\n")
			fmt.Fprint(w, "# TYPE agentsh_broker_events_by_type_total counter\n")
			for _, t := range evTypes {
				ptr, _ := c.byType.Load(t)
				fmt.Fprintf(w, "agentsh_broker_events_by_type_total{type=\"%s\"} %d\n", escapeLabelValue(t), ptr.(*atomic.Uint64).Load())
			}
		}

		if opts.TargetCount != nil {
			fmt.Fprint(w, "# HELP agentsh_broker_targets_active Targets attached to the broker.\n")
			fmt.Fprint(w, "# TYPE agentsh_broker_targets_active gauge\n")
			fmt.Fprintf(w, "agentsh_broker_targets_active %d\n", opts.TargetCount())
		}
	})
}

// Router serves /metrics and /healthz. healthy reports whether the broker
// can take calls; nil means always.
func (c *Collector) Router(opts HandlerOptions, healthy func() bool) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", c.Handler(opts))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if healthy != nil && !healthy() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "ok\n")
	})
	return r
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func snapshotCallKeys(m *sync.Map) []callKey {
	var out []callKey
	m.Range(func(k, _ any) bool {
		out = append(out, k.(callKey))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].service != out[j].service {
			return out[i].service < out[j].service
		}
		return out[i].result < out[j].result
	})
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
