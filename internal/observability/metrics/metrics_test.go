package metrics

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                    "/",
		"/":                   "/",
		"/healthz":            "/healthz",
		"/session/":           "/session",
		"/videos/a1b2c3d4":    "/videos/:id",
		"users/123/messages/": "/users/:id/messages",
		"/complete":           "/complete",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/videos/abc12345", nil))

	var buf bytes.Buffer
	recorder.Write(&buf)
	expected := `adgate_http_requests_total{method="GET",path="/videos/:id",status="418"} 1`
	if !strings.Contains(buf.String(), expected) {
		t.Fatalf("expected %q in %q", expected, buf.String())
	}
}

func TestRecorderWritesDomainCounters(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.ObserveOutcome("Delivered")
			recorder.ObserveSend("video", nil)
		}()
	}
	wg.Wait()
	recorder.ObserveOutcome("")
	recorder.ObserveSend("text", errors.New("boom"))
	recorder.ObserveSweep(3, 1)
	recorder.ObserveSweep(2, 0)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()
	for _, want := range []string{
		`adgate_delivery_outcomes_total{outcome="delivered"} 10`,
		`adgate_delivery_outcomes_total{outcome="unknown"} 1`,
		`adgate_sends_total{kind="text",result="error"} 1`,
		`adgate_sends_total{kind="video",result="ok"} 10`,
		`adgate_sweep_runs_total 2`,
		`adgate_sweep_messages_total{result="removed"} 5`,
		`adgate_sweep_messages_total{result="failed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in output:\n%s", want, body)
		}
	}
	if counts := recorder.OutcomeCounts(); counts["delivered"] != 10 {
		t.Fatalf("OutcomeCounts = %v", counts)
	}

	recorder.Reset()
	buf.Reset()
	recorder.Write(&buf)
	if strings.Contains(buf.String(), "delivered") {
		t.Fatal("Reset must clear outcome counters")
	}
}

func TestHandlerSetsContentType(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("post", "/complete", 200, 15*time.Millisecond)
	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rr.Body.String(), `method="POST",path="/complete",status="200"`) {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}
