package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters for HTTP requests, delivery
// outcomes, sends to the messaging surface and message sweeps.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	outcomes        map[string]uint64
	sends           map[sendLabel]uint64
	sweepRuns       uint64
	sweepRemoved    uint64
	sweepFailed     uint64
}

type sendLabel struct {
	kind   string
	result string
}

var defaultRecorder = New()

func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		outcomes:        make(map[string]uint64),
		sends:           make(map[sendLabel]uint64),
	}
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method,
// normalized path and status code.
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

// ObserveOutcome counts a user-facing delivery outcome.
func (r *Recorder) ObserveOutcome(outcome string) {
	name := normalizeName(outcome)
	r.mu.Lock()
	r.outcomes[name]++
	r.mu.Unlock()
}

// ObserveSend counts a call to the messaging surface by message kind
// ("video", "photo", "text") and whether it succeeded.
func (r *Recorder) ObserveSend(kind string, err error) {
	label := sendLabel{kind: normalizeName(kind), result: "ok"}
	if err != nil {
		label.result = "error"
	}
	r.mu.Lock()
	r.sends[label]++
	r.mu.Unlock()
}

// ObserveSweep records the result of one message sweep.
func (r *Recorder) ObserveSweep(removed, failed int) {
	r.mu.Lock()
	r.sweepRuns++
	if removed > 0 {
		r.sweepRemoved += uint64(removed)
	}
	if failed > 0 {
		r.sweepFailed += uint64(failed)
	}
	r.mu.Unlock()
}

// OutcomeCounts returns a copy of the outcome counters.
func (r *Recorder) OutcomeCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.outcomes))
	for k, v := range r.outcomes {
		out[k] = v
	}
	return out
}

// Reset clears every counter. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.outcomes = make(map[string]uint64)
	r.sends = make(map[sendLabel]uint64)
	r.sweepRuns, r.sweepRemoved, r.sweepFailed = 0, 0, 0
}

// Handler exposes the Recorder as Prometheus text exposition.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets
// sorted for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP adgate_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE adgate_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "adgate_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP adgate_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE adgate_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "adgate_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP adgate_delivery_outcomes_total User-facing outcomes returned by the delivery orchestrator")
	fmt.Fprintln(w, "# TYPE adgate_delivery_outcomes_total counter")
	for _, outcome := range sortedKeys(r.outcomes) {
		fmt.Fprintf(w, "adgate_delivery_outcomes_total{outcome=\"%s\"} %d\n", outcome, r.outcomes[outcome])
	}

	fmt.Fprintln(w, "# HELP adgate_sends_total Calls to the messaging surface by kind and result")
	fmt.Fprintln(w, "# TYPE adgate_sends_total counter")
	for _, label := range r.sortedSendLabels() {
		fmt.Fprintf(w, "adgate_sends_total{kind=\"%s\",result=\"%s\"} %d\n", label.kind, label.result, r.sends[label])
	}

	fmt.Fprintln(w, "# HELP adgate_sweep_runs_total Completed message sweeps")
	fmt.Fprintln(w, "# TYPE adgate_sweep_runs_total counter")
	fmt.Fprintf(w, "adgate_sweep_runs_total %d\n", r.sweepRuns)

	fmt.Fprintln(w, "# HELP adgate_sweep_messages_total Messages handled by sweeps by result")
	fmt.Fprintln(w, "# TYPE adgate_sweep_messages_total counter")
	fmt.Fprintf(w, "adgate_sweep_messages_total{result=\"failed\"} %d\n", r.sweepFailed)
	fmt.Fprintf(w, "adgate_sweep_messages_total{result=\"removed\"} %d\n", r.sweepRemoved)
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

func (r *Recorder) sortedSendLabels() []sendLabel {
	labels := make([]sendLabel, 0, len(r.sends))
	for label := range r.sends {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].kind != labels[j].kind {
			return labels[i].kind < labels[j].kind
		}
		return labels[i].result < labels[j].result
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
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

// looksLikeIdentifier treats long segments with digits, or any segment with
// three or more digits, as an identifier so route names like /complete stay.
func looksLikeIdentifier(segment string) bool {
	digits := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 3 || (len(segment) >= 8 && digits > 0)
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
