package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/codecollab/collab-server/loadtest/client"
	"github.com/codecollab/collab-server/loadtest/stats"
)

// runSaturate opens connections at a steady rate, spreads them over a number
// of rooms, and holds them open while watching for drops. It finds the
// connection capacity of one server and the cost of idle room membership.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rooms := fs.Int("rooms", 0, "Spread connections over this many rooms (0 = stay unjoined)")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	metricsURL := fs.String("metrics", "", "Server /metrics URL to scrape (optional)")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections in %d rooms to %s (ramp=%s, hold=%s)\n",
		*connections, *rooms, *url, *rampUp, *hold)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	var (
		mu      sync.Mutex
		clients []*client.Client
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, *concurrency)

	interval := *rampUp / time.Duration(max(*connections, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	progress := time.NewTicker(time.Second)

	fmt.Println("\n--- Ramp-up ---")
	start := time.Now()
ramp:
	for i := 0; i < *connections; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			break ramp
		case <-progress.C:
			fmt.Printf("  [ramp] connections: %d/%d  errors: %d\n",
				collector.ConnectionCount(), *connections, collector.ErrorCount())
		case <-ticker.C:
			projectID := ""
			if *rooms > 0 {
				projectID = fmt.Sprintf("saturate-%d", i%*rooms)
			}
			i++
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				c, err := dialJoined(ctx, *url, projectID)
				if err != nil {
					collector.AddError()
					return
				}
				collector.AddConnect(c.GetMetrics().ConnectLatency)
				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}
	ticker.Stop()
	progress.Stop()
	wg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if ctx.Err() == nil {
		holdOpen(ctx, *hold, &mu, clients)
	}

	mu.Lock()
	fmt.Printf("\nClosing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()
	collector.Report()
}

func dialJoined(ctx context.Context, url, projectID string) (*client.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(ctx, url)
	if err != nil {
		return nil, err
	}
	c.Start()
	if err := c.WaitForSession(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if projectID != "" {
		if err := c.Join(projectID); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// holdOpen waits for d and reports how many connections the server dropped.
func holdOpen(ctx context.Context, d time.Duration, mu *sync.Mutex, clients []*client.Client) {
	fmt.Printf("\n--- Hold: %d connections for %s ---\n", len(clients), d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold.")
			return
		case <-timer.C:
			fmt.Printf("Hold complete, dropped: %d\n", dropped(mu, clients))
			return
		case <-status.C:
			fmt.Printf("  [hold] dropped: %d/%d\n", dropped(mu, clients), len(clients))
		}
	}
}

func dropped(mu *sync.Mutex, clients []*client.Client) int {
	mu.Lock()
	defer mu.Unlock()
	n := 0
	for _, c := range clients {
		select {
		case <-c.Done():
			n++
		default:
		}
	}
	return n
}
