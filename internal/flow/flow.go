// Package flow correlates intercepted requests with their responses and
// turns completed flows into persisted events.
package flow

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	tokentap "github.com/tokentap/tokentap/internal"
	"github.com/tokentap/tokentap/internal/catalog"
	"github.com/tokentap/tokentap/internal/extract"
	"github.com/tokentap/tokentap/internal/telemetry"
)

const (
	// Flows the proxy abandons would otherwise leak their state forever.
	sweepInterval = time.Minute
	flowCeiling   = 10 * time.Minute

	insertTimeout = 10 * time.Second
)

// StreamType distinguishes text streams from AWS binary event streams.
type StreamType string

const (
	StreamSSE         StreamType = "sse"
	StreamEventStream StreamType = "eventstream"
)

// RequestMeta carries what the correlator needs from an intercepted request.
type RequestMeta struct {
	Host       string
	Path       string
	Method     string
	UserAgent  string
	AmzTarget  string
	ClientIP   string
	Context    tokentap.Context
	Body       []byte
	DeviceName string
}

// state is the per-flow record between the request and response hooks.
type state struct {
	started    time.Time
	provider   *catalog.Provider
	meta       RequestMeta
	streaming  bool
	streamType StreamType
}

// Correlator tracks in-flight flows keyed by the proxy's flow id.
type Correlator struct {
	catalog   *catalog.Catalog
	extractor *extract.Extractor
	store     tokentap.EventStore
	metrics   *telemetry.Metrics
	debug     bool

	mu    sync.Mutex
	flows map[int64]*state

	// wg tracks async store inserts so tests and shutdown can drain them.
	wg sync.WaitGroup
}

// New creates a Correlator. The store may be nil, in which case completed
// flows are parsed and counted but not persisted.
func New(cat *catalog.Catalog, x *extract.Extractor, store tokentap.EventStore, m *telemetry.Metrics, debug bool) *Correlator {
	return &Correlator{
		catalog:   cat,
		extractor: x,
		store:     store,
		metrics:   m,
		debug:     debug,
		flows:     make(map[int64]*state),
	}
}

// OnRequest resolves the provider for a request and starts tracking the flow.
// Returns false when no descriptor matches and capture mode keeps unknown
// hosts out.
func (c *Correlator) OnRequest(id int64, meta RequestMeta) bool {
	p, ok := c.catalog.ProviderByDomain(meta.Host)
	if !ok {
		slog.Debug("no provider for host", "host", meta.Host)
		return false
	}

	slog.LogAttrs(context.Background(), slog.LevelInfo, "intercepting flow",
		slog.String("provider", p.Name),
		slog.String("method", meta.Method),
		slog.String("host", meta.Host),
		slog.String("path", meta.Path),
	)
	c.metrics.FlowsIntercepted.WithLabelValues(p.Name).Inc()

	c.mu.Lock()
	c.flows[id] = &state{started: time.Now(), provider: p, meta: meta}
	c.metrics.ActiveFlows.Set(float64(len(c.flows)))
	c.mu.Unlock()
	return true
}

// OnResponseHeaders marks the flow streaming when the response content type
// or the request's stream parameter says so. Returns true when the response
// body should be tapped chunk by chunk.
func (c *Correlator) OnResponseHeaders(id int64, contentType string) bool {
	c.mu.Lock()
	st, ok := c.flows[id]
	c.mu.Unlock()
	if !ok {
		return false
	}

	isSSE := strings.Contains(contentType, "text/event-stream")
	isEventStream := strings.Contains(contentType, "application/vnd.amazon.eventstream")
	requestedStream := requestAsksForStream(st.meta.Body)

	if isSSE || isEventStream || requestedStream {
		st.streaming = true
		st.streamType = StreamSSE
		if isEventStream {
			st.streamType = StreamEventStream
		}
	}
	return st.streaming
}

// OnResponseComplete finishes the flow: parses both sides, assembles the
// event, and hands it to the store without blocking the proxy path.
func (c *Correlator) OnResponseComplete(id int64, status int, body []byte, truncated bool) {
	c.mu.Lock()
	st, ok := c.flows[id]
	if ok {
		delete(c.flows, id)
	}
	c.metrics.ActiveFlows.Set(float64(len(c.flows)))
	c.mu.Unlock()
	if !ok {
		return
	}

	if isTelemetryFlow(st.meta.AmzTarget, st.meta.Path) {
		slog.Debug("skipping telemetry flow",
			"provider", st.provider.Name, "path", st.meta.Path)
		c.metrics.FlowsDropped.WithLabelValues("telemetry").Inc()
		return
	}

	event := c.buildEvent(st, status, body, truncated)

	slog.LogAttrs(context.Background(), slog.LevelInfo, "recorded flow",
		slog.String("provider", event.Provider),
		slog.String("client_type", event.ClientType),
		slog.String("model", event.Model),
		slog.Int64("input_tokens", event.InputTokens),
		slog.Int64("output_tokens", event.OutputTokens),
		slog.Int64("cache_read_tokens", event.CacheReadTokens),
		slog.Int64("duration_ms", event.DurationMs),
	)
	c.metrics.EventsRecorded.WithLabelValues(event.Provider, event.ClientType).Inc()
	c.metrics.FlowDuration.WithLabelValues(event.Provider).
		Observe(float64(event.DurationMs) / 1000)
	c.metrics.TokensObserved.WithLabelValues(event.Provider, "input").
		Add(float64(event.InputTokens))
	c.metrics.TokensObserved.WithLabelValues(event.Provider, "output").
		Add(float64(event.OutputTokens))

	if c.store == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		defer cancel()
		ctx, span := telemetry.Tracer("flow").Start(ctx, "store.insert_event")
		defer span.End()
		if err := c.store.InsertEvent(ctx, event); err != nil {
			span.RecordError(err)
			slog.Error("event store insert failed",
				"provider", event.Provider,
				"model", event.Model,
				"error", err)
			c.metrics.StoreFailures.Inc()
		}
	}()
}

// Drain waits for in-flight store inserts to finish.
func (c *Correlator) Drain() {
	c.wg.Wait()
}

// Run evicts stale flow records until ctx is done.
func (c *Correlator) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *Correlator) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, st := range c.flows {
		if now.Sub(st.started) > flowCeiling {
			slog.Warn("evicting abandoned flow",
				"provider", st.provider.Name,
				"host", st.meta.Host,
				"age", now.Sub(st.started))
			delete(c.flows, id)
			c.metrics.FlowsDropped.WithLabelValues("abandoned").Inc()
		}
	}
	c.metrics.ActiveFlows.Set(float64(len(c.flows)))
}

// isTelemetryFlow reports whether a flow is telemetry noise rather than a
// real inference call.
func isTelemetryFlow(amzTarget, path string) bool {
	if strings.Contains(amzTarget, "SendTelemetry") {
		return true
	}
	lower := strings.ToLower(path)
	for _, keyword := range []string{"/telemetry", "/metrics", "/clienttelemetry"} {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}
