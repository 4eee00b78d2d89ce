package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			duration: 25 * time.Millisecond,
		},
		{
			name:     "id segment",
			method:   "post",
			path:     "/files/final/123",
			status:   201,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "trailing slash and alpha id",
			method:   "POST",
			path:     "/files/preview/abc123def/",
			status:   201,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "multi ids",
			method:   "PATCH",
			path:     "jobs/abc/456/extra",
			status:   404,
			duration: 10 * time.Millisecond,
		},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestActiveJobsGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts := 100
	stops := 150

	wg.Add(starts + stops)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.JobStarted()
		}()
	}
	for i := 0; i < stops; i++ {
		go func() {
			defer wg.Done()
			recorder.JobFinished()
		}()
	}

	wg.Wait()

	if active := recorder.ActiveJobs(); active != 0 {
		t.Fatalf("active jobs should not go negative; got %d", active)
	}
}

func TestObserveStageAndErrorCode(t *testing.T) {
	recorder := New()

	recorder.ObserveStage("TEMPLATE_RESOLVE", "ok", 20*time.Millisecond)
	recorder.ObserveStage("TEMPLATE_RESOLVE", "ok", 30*time.Millisecond)
	recorder.ObserveStage("RENDER", "error", 5*time.Millisecond)
	recorder.ObserveErrorCode("RENDER_FAILED")
	recorder.ObserveErrorCode("RENDER_FAILED")
	recorder.ObserveErrorCode("TEMPLATE_CHECKSUM_MISMATCH")

	resolveLabel := stageLabel{stage: "template_resolve", status: "ok"}
	if got := recorder.stageCount[resolveLabel]; got != 2 {
		t.Fatalf("expected 2 TEMPLATE_RESOLVE/ok observations, got %d", got)
	}
	if got := recorder.stageDuration[resolveLabel]; got != 50*time.Millisecond {
		t.Fatalf("expected 50ms cumulative duration, got %s", got)
	}
	if got := recorder.errorCodeCount["render_failed"]; got != 2 {
		t.Fatalf("expected 2 RENDER_FAILED observations, got %d", got)
	}
}

func TestCacheCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveCacheHit()
	recorder.ObserveCacheHit()
	recorder.ObserveCacheMiss()
	recorder.ObserveSingleflightJoin()

	hits, misses, joins := recorder.CacheCounts()
	if hits != 2 || misses != 1 || joins != 1 {
		t.Fatalf("unexpected cache counters: hits=%d misses=%d joins=%d", hits, misses, joins)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/files/final/abc123", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/files/final/456/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/pipeline/v2/process", 200, time.Second)

	recorder.JobStarted()
	recorder.JobStarted()
	recorder.JobFinished()

	recorder.ObserveStage("TEMPLATE_RESOLVE", "ok", 100*time.Millisecond)
	recorder.ObserveErrorCode("TEMPLATE_CHECKSUM_MISMATCH")

	recorder.ObserveCacheHit()
	recorder.ObserveCacheMiss()
	recorder.ObserveSingleflightJoin()

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP templatepipe_http_requests_total Total number of HTTP requests processed by the API
# TYPE templatepipe_http_requests_total counter
templatepipe_http_requests_total{method="GET",path="/files/final/:id",status="200"} 2
templatepipe_http_requests_total{method="POST",path="/pipeline/v2/process",status="200"} 1
# HELP templatepipe_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE templatepipe_http_request_duration_seconds_sum counter
templatepipe_http_request_duration_seconds_sum{method="GET",path="/files/final/:id",status="200"} 0.200000
templatepipe_http_request_duration_seconds_sum{method="POST",path="/pipeline/v2/process",status="200"} 1.000000
# HELP templatepipe_pipeline_stage_total Pipeline stage completions by stage and outcome
# TYPE templatepipe_pipeline_stage_total counter
templatepipe_pipeline_stage_total{stage="template_resolve",status="ok"} 1
# HELP templatepipe_pipeline_stage_duration_seconds_sum Cumulative duration spent in each pipeline stage
# TYPE templatepipe_pipeline_stage_duration_seconds_sum counter
templatepipe_pipeline_stage_duration_seconds_sum{stage="template_resolve",status="ok"} 0.100000
# HELP templatepipe_errors_total Failed jobs by closed error taxonomy code
# TYPE templatepipe_errors_total counter
templatepipe_errors_total{code="template_checksum_mismatch"} 1
# HELP templatepipe_active_jobs Current number of in-flight pipeline requests
# TYPE templatepipe_active_jobs gauge
templatepipe_active_jobs 1
# HELP templatepipe_resolver_cache_hits_total Template resolves satisfied without a download
# TYPE templatepipe_resolver_cache_hits_total counter
templatepipe_resolver_cache_hits_total 1
# HELP templatepipe_resolver_cache_misses_total Template resolves that required a download
# TYPE templatepipe_resolver_cache_misses_total counter
templatepipe_resolver_cache_misses_total 1
# HELP templatepipe_resolver_singleflight_joins_total Concurrent resolves that joined an in-flight download instead of starting their own
# TYPE templatepipe_resolver_singleflight_joins_total counter
templatepipe_resolver_singleflight_joins_total 1`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
