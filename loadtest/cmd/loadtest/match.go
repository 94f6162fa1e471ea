package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pairline/realtime/internal/auth"
	"github.com/pairline/realtime/internal/chat"
	"github.com/pairline/realtime/internal/protocol"
	"github.com/pairline/realtime/internal/store/postgres"
	"github.com/pairline/realtime/loadtest/client"
	"github.com/pairline/realtime/loadtest/stats"
)

// userID names the i-th simulated user.
func userID(prefix string, i int) string {
	return fmt.Sprintf("%s-%05d", prefix, i)
}

// genderOf alternates simulated users between two genders that prefer each
// other, so every user has compatible candidates.
func genderOf(i int) (gender, preference string) {
	if i%2 == 0 {
		return "Male", "Female"
	}
	return "Female", "Male"
}

// seedUsers writes the simulated users to PostgreSQL so the server's user
// gateway knows them.
func seedUsers(ctx context.Context, dsn, prefix string, n int) error {
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	for i := 0; i < n; i++ {
		id := userID(prefix, i)
		gender, _ := genderOf(i)
		p := chat.Profile{ID: id, DisplayName: "Load " + strconv.Itoa(i), Gender: gender}
		if err := store.PutUser(ctx, id, p); err != nil {
			return err
		}
	}
	return nil
}

// runMatch pairs simulated users through the matchmaking queue, then has
// every user send one message to its partner. It measures match latency
// (find_match to match_found) and message latency (send_message to the
// partner's message_received).
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	healthURL := fs.String("health-url", "http://localhost:8080/health", "Health endpoint URL (empty disables polling)")
	pairs := fs.Int("pairs", 500, "Number of user pairs to match")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	timeout := fs.Duration("timeout", 30*time.Second, "Timeout for each user's match and message exchange")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	prefix := fs.String("user-prefix", "lt", "Prefix for simulated user ids")
	secret := fs.String("secret", "", "JWT secret of the server; when empty, identify sends raw user ids")
	dsn := fs.String("dsn", "", "PostgreSQL DSN used to seed the simulated users (empty skips seeding)")
	fs.Parse(args)

	total := *pairs * 2
	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, timeout=%s, concurrency=%d)\n",
		*pairs, total, *url, *ramp, *timeout, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *dsn != "" {
		fmt.Printf("Seeding %d users...\n", total)
		if err := seedUsers(ctx, *dsn, *prefix, total); err != nil {
			fmt.Printf("Seeding failed: %v\n", err)
			return
		}
	}

	verifier := auth.NewVerifier(*secret, "")

	collector := stats.NewCollector()
	if *healthURL != "" {
		poller := stats.NewHealthPoller(*healthURL, 2*time.Second)
		collector.SetHealthPoller(poller)
		poller.Start(ctx)
		defer poller.Stop()
	}

	fmt.Println("\n--- Phase 1: Connect all users ---")
	clients, interrupted := rampUp(ctx, rampConfig{
		url:         *url,
		count:       total,
		duration:    *ramp,
		concurrency: *concurrency,
	}, collector)
	if interrupted {
		fmt.Println("Interrupted, skipping matching.")
		closeAll(clients)
		collector.Report()
		return
	}

	fmt.Println("\n--- Phase 2: Identify, match and exchange one message ---")
	var (
		matched   atomic.Int64
		delivered atomic.Int64
		limited   atomic.Int64
		wg        sync.WaitGroup
	)
	start := time.Now()

	for i, c := range clients {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runUser(ctx, c, i, *prefix, verifier, *timeout, collector, &matched, &delivered, &limited); err != nil {
				collector.AddError()
			}
		}()
	}

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [match] matched: %d/%d  delivered: %d  rate limited: %d  errors: %d\n",
					matched.Load(), len(clients), delivered.Load(), limited.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	wg.Wait()
	close(progressStop)
	elapsed := time.Since(start)

	fmt.Printf("\n--- Match Results ---\n")
	fmt.Printf("Clients matched:     %d / %d\n", matched.Load(), len(clients))
	fmt.Printf("Messages delivered:  %d / %d\n", delivered.Load(), len(clients))
	fmt.Printf("Rate limited:        %d\n", limited.Load())
	fmt.Printf("Duration:            %s\n", elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 {
		fmt.Printf("Match throughput:    %.1f pairs/s\n", float64(matched.Load())/2/elapsed.Seconds())
	}

	closeAll(clients)
	collector.Report()
}

// runUser drives one simulated user: identify, find_match, send one message
// to the partner and wait for the partner's message.
func runUser(ctx context.Context, c *client.Client, i int, prefix string, verifier *auth.Verifier, timeout time.Duration,
	collector *stats.Collector, matched, delivered, limited *atomic.Int64) error {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	uid := userID(prefix, i)
	identified := make(chan struct{}, 1)
	partner := make(chan string, 1)
	received := make(chan struct{}, 1)
	failed := make(chan string, 1)

	c.On(protocol.TypeIdentified, func(gjson.Result) {
		select {
		case identified <- struct{}{}:
		default:
		}
	})
	c.On(protocol.TypeMatchFound, func(frame gjson.Result) {
		select {
		case partner <- frame.Get("partner_user_id").Str:
		default:
		}
	})
	c.On(protocol.TypeMessageReceived, func(frame gjson.Result) {
		sentAt, err := strconv.ParseInt(frame.Get("body").Str, 10, 64)
		if err == nil {
			collector.AddMsgLatency(time.Since(time.Unix(0, sentAt)))
		}
		select {
		case received <- struct{}{}:
		default:
		}
	})
	c.On(protocol.TypeRateLimited, func(gjson.Result) {
		limited.Add(1)
	})
	c.On(protocol.TypeError, func(frame gjson.Result) {
		select {
		case failed <- frame.Get("code").Str:
		default:
		}
	})

	token := ""
	if verifier.Enabled() {
		tok, err := verifier.Issue(uid, time.Hour)
		if err != nil {
			return err
		}
		token = tok
	}
	if err := c.Identify(uid, token); err != nil {
		return err
	}
	if err := wait(ctx, identified, failed); err != nil {
		return err
	}

	gender, preference := genderOf(i)
	requested := time.Now()
	if err := c.Send(protocol.FindMatchMsg{Type: protocol.TypeFindMatch, Gender: gender, Preference: preference}); err != nil {
		return err
	}

	var peer string
	select {
	case peer = <-partner:
	case code := <-failed:
		return fmt.Errorf("find_match rejected: %s", code)
	case <-ctx.Done():
		return ctx.Err()
	}
	collector.AddMatchLatency(time.Since(requested))
	matched.Add(1)

	body := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := c.Send(protocol.SendMessageMsg{Type: protocol.TypeSendMessage, ReceiverID: peer, Body: body}); err != nil {
		return err
	}
	if err := wait(ctx, received, failed); err != nil {
		return err
	}
	delivered.Add(1)
	return nil
}

func wait(ctx context.Context, ok <-chan struct{}, failed <-chan string) error {
	select {
	case <-ok:
		return nil
	case code := <-failed:
		return fmt.Errorf("server error: %s", code)
	case <-ctx.Done():
		return ctx.Err()
	}
}
