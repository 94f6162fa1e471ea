package stats

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// HealthSample is one reading of the server's /health endpoint.
type HealthSample struct {
	At          time.Time
	Connections int64
	Waiting     int64
	Matches     int64
}

// HealthPoller periodically reads /health during a load test and keeps the
// samples for the report.
type HealthPoller struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	samples []HealthSample
	failed  int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthPoller creates a poller for healthURL.
func NewHealthPoller(healthURL string, interval time.Duration) *HealthPoller {
	return &HealthPoller{
		url:      healthURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start polls in the background until Stop or ctx is done.
func (p *HealthPoller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			p.poll(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends polling and waits for the background goroutine.
func (p *HealthPoller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *HealthPoller) poll(ctx context.Context) {
	sample, err := p.Fetch(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failed++
		return
	}
	p.samples = append(p.samples, sample)
}

// Fetch performs one /health request.
func (p *HealthPoller) Fetch(ctx context.Context) (HealthSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return HealthSample{}, fmt.Errorf("stats: health request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return HealthSample{}, fmt.Errorf("stats: health request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthSample{}, fmt.Errorf("stats: health returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return HealthSample{}, fmt.Errorf("stats: read health: %w", err)
	}
	doc := gjson.ParseBytes(body)
	return HealthSample{
		At:          time.Now(),
		Connections: doc.Get("connections").Int(),
		Waiting:     doc.Get("waiting").Int(),
		Matches:     doc.Get("matches").Int(),
	}, nil
}

// Peak returns the per-field maxima over all samples.
func (p *HealthPoller) Peak() HealthSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	var peak HealthSample
	for _, s := range p.samples {
		peak.Connections = max(peak.Connections, s.Connections)
		peak.Waiting = max(peak.Waiting, s.Waiting)
		peak.Matches = max(peak.Matches, s.Matches)
	}
	return peak
}

// Report prints the server-side figures.
func (p *HealthPoller) Report() {
	peak := p.Peak()
	p.mu.Lock()
	n, failed := len(p.samples), p.failed
	p.mu.Unlock()

	fmt.Println("\n--- Server (/health) ---")
	fmt.Printf("  samples: %d  failed: %d\n", n, failed)
	fmt.Printf("  peak connections: %d  peak waiting: %d  peak matches: %d\n",
		peak.Connections, peak.Waiting, peak.Matches)
}
