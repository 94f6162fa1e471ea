package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pairline/realtime/loadtest/client"
	"github.com/pairline/realtime/loadtest/stats"
)

// rampConfig controls how connections are opened.
type rampConfig struct {
	url         string
	count       int
	duration    time.Duration
	concurrency int
}

// rampUp opens cfg.count connections spread over cfg.duration, bounded by
// cfg.concurrency simultaneous dials. Each returned client has received
// session_created. The bool reports whether ctx was cancelled first.
func rampUp(ctx context.Context, cfg rampConfig, collector *stats.Collector) ([]*client.Client, bool) {
	interval := cfg.duration / time.Duration(max(cfg.count, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, cfg.count)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, max(cfg.concurrency, 1))
	)

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount, lastTime := 0, time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				conns := collector.ConnectionCount()
				rate := float64(conns-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					conns, cfg.count, collector.ErrorCount(), rate)
				lastCount, lastTime = conns, now
			case <-progressStop:
				return
			}
		}
	}()

	start := time.Now()
	ticker := time.NewTicker(interval)
	interrupted := false

launch:
	for launched := 0; launched < cfg.count; launched++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, cfg.url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForSession(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}

	ticker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		len(clients), cfg.count, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return clients, interrupted
}

// closeAll closes every client connection.
func closeAll(clients []*client.Client) {
	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}

// alive counts clients whose connection is still open.
func alive(clients []*client.Client) int {
	n := 0
	for _, c := range clients {
		select {
		case <-c.Done():
		default:
			n++
		}
	}
	return n
}
