// Package datadog ships buffered pipeline metrics to Datadog.
//
// The backend keeps counters and histogram samples in memory and submits
// them as Datadog series on a ticker (default once per minute), plus one
// final submission from Close. Long syncs produce a real time series while
// they run; short commands still get their tail flush at shutdown.
//
// Concurrency model:
//   - pipeline goroutines call IncCounter/ObserveHistogram at any time
//   - Flush snapshots and resets the buffers under the mutex, then submits
//     outside the lock
//   - the flush loop calls Flush periodically; Close stops the loop
//
// A SIGKILL or OOM kill skips Close, so the last window of samples can be
// lost. No backend can fix that.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"torgi/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes the tag "job:<name>" on every series. Empty defaults
	// to "torgi".
	JobName string

	// Tags are extra Datadog tags, e.g. []string{"env:prod", "service:torgi"}.
	Tags []string

	// FlushEvery is the interval between submissions. Values <= 0 default
	// to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets these; tests use
	// them to avoid real submissions and wall clocks.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter stands in for the concrete *datadogV2.MetricsApi so
// tests can capture payloads without HTTP.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	stageCounts  map[string]float64 // stage+status -> count
	recordCounts map[string]float64 // kind -> count
	batchCount   float64
	stageDur     map[string][]float64 // stage+status -> seconds

	httpCounts  map[string]float64   // status -> requests
	httpErrors  map[string]float64   // status -> failed attempts
	httpReqDur  map[string][]float64 // status -> seconds
	httpRespDur map[string][]float64 // status -> seconds
	httpBytes   map[string][]float64 // status -> bytes
}

// NewBackend constructs a Datadog backend using the official client and
// starts its periodic flush goroutine.
//
// Edge cases:
//   - FlushEvery <= 0 defaults to 60s.
//   - Empty JobName defaults to "torgi".
//   - The env tag comes from ENV, then DD_ENV, then "env:unknown".
//
// Client construction does not talk to the network; submission errors
// surface from Flush.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "torgi"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	tickerFn := opts.newTicker
	if tickerFn == nil {
		tickerFn = time.NewTicker
	}

	api := opts.submitter
	if api == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		api = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        api,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: tickerFn,

		stageCounts:  make(map[string]float64),
		recordCounts: make(map[string]float64),
		stageDur:     make(map[string][]float64),

		httpCounts:  make(map[string]float64),
		httpErrors:  make(map[string]float64),
		httpReqDur:  make(map[string][]float64),
		httpRespDur: make(map[string][]float64),
		httpBytes:   make(map[string][]float64),
	}

	go b.loop()
	return b, nil
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush.
// Close once; a second call panics on the already-closed stop channel.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "torgi_stage_total":
		b.stageCounts[stageKey(labels["stage"], labels["status"])] += delta

	case "torgi_records_total":
		kind := labels["kind"]
		if kind == "" {
			return
		}
		b.recordCounts[kind] += delta

	case "torgi_batches_total":
		b.batchCount += delta

	case "torgi_http_requests_total":
		b.httpCounts[statusLabel(labels)] += delta

	case "torgi_http_errors_total":
		b.httpErrors[statusLabel(labels)] += delta

	default:
		// Unknown counter names are dropped.
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "torgi_stage_duration_seconds":
		k := stageKey(labels["stage"], labels["status"])
		b.stageDur[k] = append(b.stageDur[k], value)

	case "torgi_http_request_duration_seconds":
		s := statusLabel(labels)
		b.httpReqDur[s] = append(b.httpReqDur[s], value)

	case "torgi_http_response_duration_seconds":
		s := statusLabel(labels)
		b.httpRespDur[s] = append(b.httpRespDur[s], value)

	case "torgi_http_download_bytes":
		s := statusLabel(labels)
		b.httpBytes[s] = append(b.httpBytes[s], value)

	default:
		// Unknown histogram names are dropped.
	}
}

// snapshot holds detached buffers so Flush can build the payload and submit
// without holding the mutex.
type snapshot struct {
	stageCounts  map[string]float64
	recordCounts map[string]float64
	batchCount   float64
	stageDur     map[string][]float64

	httpCounts  map[string]float64
	httpErrors  map[string]float64
	httpReqDur  map[string][]float64
	httpRespDur map[string][]float64
	httpBytes   map[string][]float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		stageCounts:  b.stageCounts,
		recordCounts: b.recordCounts,
		batchCount:   b.batchCount,
		stageDur:     b.stageDur,

		httpCounts:  b.httpCounts,
		httpErrors:  b.httpErrors,
		httpReqDur:  b.httpReqDur,
		httpRespDur: b.httpRespDur,
		httpBytes:   b.httpBytes,
	}

	b.stageCounts = make(map[string]float64)
	b.recordCounts = make(map[string]float64)
	b.batchCount = 0
	b.stageDur = make(map[string][]float64)

	b.httpCounts = make(map[string]float64)
	b.httpErrors = make(map[string]float64)
	b.httpReqDur = make(map[string][]float64)
	b.httpRespDur = make(map[string][]float64)
	b.httpBytes = make(map[string][]float64)

	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.stageCounts) == 0 &&
		len(s.recordCounts) == 0 &&
		s.batchCount == 0 &&
		len(s.stageDur) == 0 &&
		len(s.httpCounts) == 0 &&
		len(s.httpErrors) == 0 &&
		len(s.httpReqDur) == 0 &&
		len(s.httpRespDur) == 0 &&
		len(s.httpBytes) == 0
}

// Flush submits buffered series and resets the buffers. Buffers reset even
// when submission fails, so a dead intake cannot grow process memory;
// delivery is best effort. Returns nil when there is nothing to submit.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	series := b.buildSeries(snap, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries turns a snapshot into Datadog series at a fixed timestamp.
// It is pure, which keeps naming and tagging testable without the network.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.stageCounts)+len(s.recordCounts)+64)

	for k, v := range s.stageCounts {
		if v == 0 {
			continue
		}
		stage, status := splitStageKey(k)
		tags := withTags(b.baseTags, "stage:"+stage, "status:"+status)
		series = append(series, countSeries("torgi.stage.total", v, tags, nowUnix))
	}

	for kind, v := range s.recordCounts {
		if v == 0 {
			continue
		}
		series = append(series, countSeries("torgi.records.total", v, withTags(b.baseTags, "kind:"+kind), nowUnix))
	}

	if s.batchCount != 0 {
		series = append(series, countSeries("torgi.batches.total", s.batchCount, b.baseTags, nowUnix))
	}

	for k, samples := range s.stageDur {
		stage, status := splitStageKey(k)
		tags := withTags(b.baseTags, "stage:"+stage, "status:"+status)
		appendPercentiles(&series, "torgi.stage.duration_seconds", tags, samples, nowUnix)
	}

	for status, v := range s.httpCounts {
		if v == 0 {
			continue
		}
		series = append(series, countSeries("torgi.http.requests.total", v, withTags(b.baseTags, "status:"+status), nowUnix))
	}
	for status, v := range s.httpErrors {
		if v == 0 {
			continue
		}
		series = append(series, countSeries("torgi.http.errors.total", v, withTags(b.baseTags, "status:"+status), nowUnix))
	}

	for status, samples := range s.httpReqDur {
		appendPercentiles(&series, "torgi.http.request_duration_seconds", withTags(b.baseTags, "status:"+status), samples, nowUnix)
	}
	for status, samples := range s.httpRespDur {
		appendPercentiles(&series, "torgi.http.response_duration_seconds", withTags(b.baseTags, "status:"+status), samples, nowUnix)
	}
	for status, samples := range s.httpBytes {
		appendPercentiles(&series, "torgi.http.download_bytes", withTags(b.baseTags, "status:"+status), samples, nowUnix)
	}

	return series
}

// appendPercentiles publishes p50/p90/p95/p99, the max and the sample count
// as gauges. It sorts a copy and leaves samples untouched.
func appendPercentiles(series *[]datadogV2.MetricSeries, metric string, tags []string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series,
		gaugeSeries(metric+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		gaugeSeries(metric+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		gaugeSeries(metric+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		gaugeSeries(metric+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		gaugeSeries(metric+".max", cp[len(cp)-1], tags, nowUnix),
		gaugeSeries(metric+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func stageKey(stage, status string) string {
	return stage + "\x00" + status
}

func splitStageKey(k string) (stage, status string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func statusLabel(labels metrics.Labels) string {
	if s := labels["status"]; s != "" {
		return s
	}
	return "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:torgi".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
