// Package telemetry keeps in-process request and domain metrics and serves
// them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// DurationBuckets are the request latency boundaries in seconds.
var DurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries []float64
	mu         sync.Mutex
	buckets    []int64
	count      int64
	sum        uint64 // math.Float64bits
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, buckets: make([]int64, len(boundaries))}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.buckets[i]++
			return
		}
	}
}

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.buckets))
	var running int64
	for i, c := range h.buckets {
		running += c
		out[i] = running
	}
	return out
}

type counterKey struct {
	name, label, value string
}

// Metrics is a registry of labeled counters, an active-request gauge and a
// request duration histogram keyed by method, route and status.
type Metrics struct {
	mu       sync.RWMutex
	counters map[counterKey]*int64
	requests map[string]*histogram
	active   int64
}

func New() *Metrics {
	return &Metrics{
		counters: make(map[counterKey]*int64),
		requests: make(map[string]*histogram),
	}
}

// Inc adds one to counter name with a single label.
func (m *Metrics) Inc(name, label, value string) {
	k := counterKey{name, label, value}
	m.mu.RLock()
	p, ok := m.counters[k]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if p, ok = m.counters[k]; !ok {
			p = new(int64)
			m.counters[k] = p
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

// Counter returns the current value of a counter.
func (m *Metrics) Counter(name, label, value string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.counters[counterKey{name, label, value}]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

func requestKey(method, route, status string) string {
	return method + "|" + route + "|" + status
}

func (m *Metrics) observeRequest(key string, seconds float64) {
	m.mu.RLock()
	h, ok := m.requests[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if h, ok = m.requests[key]; !ok {
			h = newHistogram(DurationBuckets)
			m.requests[key] = h
		}
		m.mu.Unlock()
	}
	h.observe(seconds)
}

// Middleware records the duration of every request under its route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&m.active, -1)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.observeRequest(requestKey(c.Request().Method, route, strconv.Itoa(status)), time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, m.Export())
	}
}

// Export renders every metric in Prometheus text format. Series are sorted
// so the output is stable.
func (m *Metrics) Export() string {
	var b strings.Builder

	m.mu.RLock()
	counters := make(map[counterKey]int64, len(m.counters))
	for k, p := range m.counters {
		counters[k] = atomic.LoadInt64(p)
	}
	requests := make(map[string]*histogram, len(m.requests))
	for k, h := range m.requests {
		requests[k] = h
	}
	m.mu.RUnlock()

	keys := make([]counterKey, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].value < keys[j].value
	})
	lastName := ""
	for _, k := range keys {
		if k.name != lastName {
			fmt.Fprintf(&b, "# TYPE %s counter\n", k.name)
			lastName = k.name
		}
		fmt.Fprintf(&b, "%s{%s=%q} %d\n", k.name, k.label, k.value, counters[k])
	}

	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n", atomic.LoadInt64(&m.active))

	const name = "http_server_request_duration_seconds"
	fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
	rkeys := make([]string, 0, len(requests))
	for k := range requests {
		rkeys = append(rkeys, k)
	}
	sort.Strings(rkeys)
	for _, k := range rkeys {
		parts := strings.SplitN(k, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(&b, name, labels, requests[k])
	}
	return b.String()
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulative()
	for i, le := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, le, cum[i])
	}
	total := atomic.LoadInt64(&h.count)
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, math.Float64frombits(atomic.LoadUint64(&h.sum)))
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
