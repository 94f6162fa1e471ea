package stats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	var samples []time.Duration
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}

	got := Summarize(samples)
	if got.N != 100 {
		t.Fatalf("expected 100 samples, got %d", got.N)
	}
	if got.P50 != 51*time.Millisecond {
		t.Errorf("p50: got %v", got.P50)
	}
	if got.P95 != 95*time.Millisecond {
		t.Errorf("p95: got %v", got.P95)
	}
	if got.P99 != 99*time.Millisecond {
		t.Errorf("p99: got %v", got.P99)
	}
	if got.Max != 100*time.Millisecond {
		t.Errorf("max: got %v", got.Max)
	}
	if got.Avg != 50500*time.Microsecond {
		t.Errorf("avg: got %v", got.Avg)
	}
	if samples[0] != 100*time.Millisecond {
		t.Error("input slice was reordered")
	}
}

func TestSummarize_Small(t *testing.T) {
	tests := []struct {
		name    string
		samples []time.Duration
		want    Summary
	}{
		{"empty", nil, Summary{}},
		{"single", []time.Duration{time.Second}, Summary{N: 1, Avg: time.Second, P50: time.Second, P95: time.Second, P99: time.Second, Max: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.samples); got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCollector_Counts(t *testing.T) {
	c := NewCollector()
	c.AddConnect(time.Millisecond)
	c.AddConnect(2 * time.Millisecond)
	c.AddError()

	if c.ConnectionCount() != 2 {
		t.Errorf("connections: got %d", c.ConnectionCount())
	}
	if c.ErrorCount() != 1 {
		t.Errorf("errors: got %d", c.ErrorCount())
	}
}

func TestHealthPoller_Peak(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n == 2 {
			w.Write([]byte(`{"status":"ok","connections":40,"waiting":3,"matches":10}`))
			return
		}
		w.Write([]byte(`{"status":"ok","connections":12,"waiting":7,"matches":4}`))
	}))
	defer srv.Close()

	p := NewHealthPoller(srv.URL, time.Hour)
	ctx := context.Background()
	p.poll(ctx)
	p.poll(ctx)
	p.poll(ctx)

	peak := p.Peak()
	if peak.Connections != 40 || peak.Waiting != 7 || peak.Matches != 10 {
		t.Errorf("unexpected peak: %+v", peak)
	}
}

func TestHealthPoller_FetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHealthPoller(srv.URL, time.Hour)
	if _, err := p.Fetch(context.Background()); err == nil {
		t.Error("expected error for non-200 response")
	}
}
