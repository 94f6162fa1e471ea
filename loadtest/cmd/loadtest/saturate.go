package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/pairline/realtime/loadtest/stats"
)

// runSaturate opens idle connections, ramping up over a configurable
// duration, then holds them while watching for drops. It finds the
// connection capacity before the server starts rejecting or dropping
// sessions.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	healthURL := fs.String("health-url", "http://localhost:8080/health", "Health endpoint URL (empty disables polling)")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *ramp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *healthURL != "" {
		poller := stats.NewHealthPoller(*healthURL, 2*time.Second)
		collector.SetHealthPoller(poller)
		poller.Start(ctx)
		defer poller.Stop()
	}

	fmt.Println("\n--- Ramp-up phase ---")
	clients, interrupted := rampUp(ctx, rampConfig{
		url:         *url,
		count:       *connections,
		duration:    *ramp,
		concurrency: *concurrency,
	}, collector)

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		initial := len(clients)
		fmt.Printf("Holding %d connections for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				n := alive(clients)
				dropped = initial - n
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", n, initial, dropped)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
		dropped = initial - alive(clients)
	}

	closeAll(clients)
	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}
