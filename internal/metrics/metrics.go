// Package metrics decouples pipeline instrumentation from the metrics vendor.
//
// Pipeline code records counters and histogram samples through the package
// functions below; the process entry point installs a Backend (see the
// datadog subpackage) with SetBackend. Until then every call lands in a
// no-op backend, so library code never has to check whether metrics are
// enabled.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels carries metric dimensions such as stage, status or record kind.
type Labels map[string]string

// Backend buffers metric writes and ships them somewhere on Flush.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// nopBackend drops everything. It is installed by default so instrumented
// code works before SetBackend runs.
type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. Passing nil restores
// the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush submits whatever the installed backend has buffered.
func Flush() error {
	return current().Flush()
}

// RecordStage records one finished pipeline stage with its outcome and wall
// time. Status is "ok" or "failed".
func RecordStage(stage, status string, elapsed time.Duration) {
	b := current()
	labels := Labels{"stage": stage, "status": status}
	b.IncCounter("torgi_stage_total", 1, labels)
	b.ObserveHistogram("torgi_stage_duration_seconds", elapsed.Seconds(), labels)
}

// AddRecords counts rows handled for one record kind, e.g. "plans" or
// "docs". Non-positive counts are ignored.
func AddRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter("torgi_records_total", float64(n), Labels{"kind": kind})
}

// IncBatches counts one completed load batch.
func IncBatches() {
	current().IncCounter("torgi_batches_total", 1, nil)
}

// RecordHTTP records a single HTTP attempt: one request count, one error
// count when the attempt failed, and duration/size samples. A status of 0
// means the request never produced a response.
func RecordHTTP(job string, status int, attemptErr error, requestDur, responseDur time.Duration, downloadBytes int64) {
	b := current()
	labels := Labels{"job": job, "status": strconv.Itoa(status)}
	b.IncCounter("torgi_http_requests_total", 1, labels)
	if attemptErr != nil {
		b.IncCounter("torgi_http_errors_total", 1, labels)
	}
	b.ObserveHistogram("torgi_http_request_duration_seconds", requestDur.Seconds(), labels)
	b.ObserveHistogram("torgi_http_response_duration_seconds", responseDur.Seconds(), labels)
	b.ObserveHistogram("torgi_http_download_bytes", float64(downloadBytes), labels)
}
