package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type stageLabel struct {
	stage  string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, pipeline stage outcomes, resolver cache behaviour, and render
// throughput. It coordinates concurrent writers via a RWMutex while exposing
// thread-safe gauges for in-flight work.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	responseBytes     map[requestLabel]uint64
	stageCount        map[stageLabel]uint64
	stageDuration     map[stageLabel]time.Duration
	errorCodeCount    map[string]uint64
	cacheHits         uint64
	cacheMisses       uint64
	cacheDownloads    uint64
	singleflightJoins uint64
	activeJobs        atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		responseBytes:   make(map[requestLabel]uint64),
		stageCount:      make(map[stageLabel]uint64),
		stageDuration:   make(map[stageLabel]time.Duration),
		errorCodeCount:  make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation
// pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveResponseBytes accumulates the number of response body bytes
// written for a given (method, path, status), keyed the same way as
// ObserveRequest. The rendered PNGs served under /files/ and the JSON
// envelopes from /pipeline/v2/process differ by orders of magnitude in
// size, so tracking bytes per route surfaces output-size drift (e.g. a
// manifest change that doubles canvas dimensions) that request counts and
// durations alone would not show.
func (r *Recorder) ObserveResponseBytes(method, path string, status int, bytes int64) {
	if bytes <= 0 {
		return
	}
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.responseBytes[label] += uint64(bytes)
	r.mu.Unlock()
}

// ResponseBytes returns the accumulated response bytes recorded for a given
// (method, path, status), primarily for tests.
func (r *Recorder) ResponseBytes(method, path string, status int) uint64 {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.responseBytes[label]
}

// JobStarted marks the beginning of a pipeline request and increments the
// in-flight job gauge.
func (r *Recorder) JobStarted() {
	r.activeJobs.Add(1)
}

// JobFinished decrements the in-flight job gauge, guarding against negative
// counts when concurrent updates race.
func (r *Recorder) JobFinished() {
	r.decrementGauge(&r.activeJobs)
}

// ActiveJobs exposes the current gauge of in-flight pipeline requests.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// ObserveStage records the outcome and duration of a single pipeline stage
// (TEMPLATE_RESOLVE, MANIFEST_LOAD, RENDER, STORE) keyed by a status of "ok"
// or "error".
func (r *Recorder) ObserveStage(stage, status string, duration time.Duration) {
	label := stageLabel{stage: normalizeName(stage), status: normalizeName(status)}
	r.mu.Lock()
	r.stageCount[label]++
	r.stageDuration[label] += duration
	r.mu.Unlock()
}

// ObserveErrorCode increments the counter for a closed-taxonomy error code
// (see the pipelineerrors package) so operators can see failure mix without
// parsing logs.
func (r *Recorder) ObserveErrorCode(code string) {
	normalized := normalizeName(code)
	r.mu.Lock()
	r.errorCodeCount[normalized]++
	r.mu.Unlock()
}

// ObserveCacheHit records that the Template Resolver's fast path was
// satisfied without a download.
func (r *Recorder) ObserveCacheHit() {
	r.mu.Lock()
	r.cacheHits++
	r.mu.Unlock()
}

// ObserveCacheMiss records that the Template Resolver had to download and
// extract a template package.
func (r *Recorder) ObserveCacheMiss() {
	r.mu.Lock()
	r.cacheMisses++
	r.cacheDownloads++
	r.mu.Unlock()
}

// ObserveSingleflightJoin records that a caller joined an in-flight resolve
// instead of triggering its own download.
func (r *Recorder) ObserveSingleflightJoin() {
	r.mu.Lock()
	r.singleflightJoins++
	r.mu.Unlock()
}

// CacheCounts returns copies of the cache hit/miss/join counters, primarily
// for tests asserting single-flight behaviour.
func (r *Recorder) CacheCounts() (hits, misses, joins uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cacheHits, r.cacheMisses, r.singleflightJoins
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.responseBytes = make(map[requestLabel]uint64)
	r.stageCount = make(map[stageLabel]uint64)
	r.stageDuration = make(map[stageLabel]time.Duration)
	r.errorCodeCount = make(map[string]uint64)
	r.cacheHits = 0
	r.cacheMisses = 0
	r.cacheDownloads = 0
	r.singleflightJoins = 0
	r.activeJobs.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	stageLabels := r.sortedStageLabels()
	errorCodes := r.sortedErrorCodes()

	fmt.Fprintln(w, "# HELP templatepipe_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE templatepipe_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "templatepipe_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP templatepipe_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE templatepipe_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "templatepipe_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP templatepipe_http_response_bytes_total Cumulative response body bytes written by the API")
	fmt.Fprintln(w, "# TYPE templatepipe_http_response_bytes_total counter")
	for _, label := range requestLabels {
		bytes := r.responseBytes[label]
		if bytes == 0 {
			continue
		}
		fmt.Fprintf(w, "templatepipe_http_response_bytes_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, bytes)
	}

	fmt.Fprintln(w, "# HELP templatepipe_pipeline_stage_total Pipeline stage completions by stage and outcome")
	fmt.Fprintln(w, "# TYPE templatepipe_pipeline_stage_total counter")
	for _, label := range stageLabels {
		count := r.stageCount[label]
		fmt.Fprintf(w, "templatepipe_pipeline_stage_total{stage=\"%s\",status=\"%s\"} %d\n", label.stage, label.status, count)
	}

	fmt.Fprintln(w, "# HELP templatepipe_pipeline_stage_duration_seconds_sum Cumulative duration spent in each pipeline stage")
	fmt.Fprintln(w, "# TYPE templatepipe_pipeline_stage_duration_seconds_sum counter")
	for _, label := range stageLabels {
		duration := r.stageDuration[label].Seconds()
		fmt.Fprintf(w, "templatepipe_pipeline_stage_duration_seconds_sum{stage=\"%s\",status=\"%s\"} %f\n", label.stage, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP templatepipe_errors_total Failed jobs by closed error taxonomy code")
	fmt.Fprintln(w, "# TYPE templatepipe_errors_total counter")
	for _, code := range errorCodes {
		count := r.errorCodeCount[code]
		fmt.Fprintf(w, "templatepipe_errors_total{code=\"%s\"} %d\n", code, count)
	}

	fmt.Fprintln(w, "# HELP templatepipe_active_jobs Current number of in-flight pipeline requests")
	fmt.Fprintln(w, "# TYPE templatepipe_active_jobs gauge")
	fmt.Fprintf(w, "templatepipe_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP templatepipe_resolver_cache_hits_total Template resolves satisfied without a download")
	fmt.Fprintln(w, "# TYPE templatepipe_resolver_cache_hits_total counter")
	fmt.Fprintf(w, "templatepipe_resolver_cache_hits_total %d\n", r.cacheHits)

	fmt.Fprintln(w, "# HELP templatepipe_resolver_cache_misses_total Template resolves that required a download")
	fmt.Fprintln(w, "# TYPE templatepipe_resolver_cache_misses_total counter")
	fmt.Fprintf(w, "templatepipe_resolver_cache_misses_total %d\n", r.cacheMisses)

	fmt.Fprintln(w, "# HELP templatepipe_resolver_singleflight_joins_total Concurrent resolves that joined an in-flight download instead of starting their own")
	fmt.Fprintln(w, "# TYPE templatepipe_resolver_singleflight_joins_total counter")
	fmt.Fprintf(w, "templatepipe_resolver_singleflight_joins_total %d\n", r.singleflightJoins)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedStageLabels() []stageLabel {
	labels := make([]stageLabel, 0, len(r.stageCount))
	for label := range r.stageCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].stage != labels[j].stage {
			return labels[i].stage < labels[j].stage
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedErrorCodes() []string {
	codes := make([]string, 0, len(r.errorCodeCount))
	for code := range r.errorCodeCount {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// JobStarted increments the in-flight gauge on the default recorder.
func JobStarted() {
	defaultRecorder.JobStarted()
}

// JobFinished decrements the in-flight gauge on the default recorder.
func JobFinished() {
	defaultRecorder.JobFinished()
}

// ObserveStage records a pipeline stage outcome on the default recorder.
func ObserveStage(stage, status string, duration time.Duration) {
	defaultRecorder.ObserveStage(stage, status, duration)
}

// ObserveErrorCode records a failure code on the default recorder.
func ObserveErrorCode(code string) {
	defaultRecorder.ObserveErrorCode(code)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
