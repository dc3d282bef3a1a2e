package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/codecollab/collab-server/loadtest/client"
	"github.com/codecollab/collab-server/loadtest/stats"
)

// stampPrefix starts the content of the first file; the rest is the send
// time in unix nanoseconds, so receivers can measure relay latency.
const stampPrefix = "<!-- t="

// runEdit simulates rooms of editors. Each editor joins, asks for the room
// state, then publishes snapshots at a fixed rate. Every codeUpdate received
// contributes one relay latency sample.
func runEdit(args []string) {
	fs := flag.NewFlagSet("edit", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	rooms := fs.Int("rooms", 50, "Number of project rooms")
	editors := fs.Int("editors", 4, "Editors per room")
	rate := fs.Float64("rate", 2, "Snapshots per second per editor")
	duration := fs.Duration("duration", 30*time.Second, "Editing duration")
	size := fs.Int("size", 2048, "Approximate snapshot size in bytes")
	metricsURL := fs.String("metrics", "", "Server /metrics URL to scrape (optional)")
	fs.Parse(args)

	fmt.Printf("Edit test: %d rooms x %d editors to %s (rate=%.1f/s, duration=%s, size=%dB)\n",
		*rooms, *editors, *url, *rate, *duration, *size)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	padding := strings.Repeat("x", max(*size-64, 0))
	editCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var wg sync.WaitGroup
	for r := 0; r < *rooms; r++ {
		projectID := fmt.Sprintf("loadtest-%d", r)
		for e := 0; e < *editors; e++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				c, err := client.New(connCtx, *url)
				if err != nil {
					connCancel()
					collector.AddError()
					return
				}
				defer c.Close()

				var current atomic.Value
				current.Store(snapshot(padding))
				var requested atomic.Int64

				c.On(client.TypeCodeUpdate, func(raw json.RawMessage) {
					var msg struct {
						Files []client.File `json:"files"`
					}
					if json.Unmarshal(raw, &msg) != nil || len(msg.Files) == 0 {
						return
					}
					current.Store(msg.Files)
					if sent, ok := parseStamp(msg.Files[0].Content); ok {
						collector.AddMsgLatency(time.Since(sent))
					}
					collector.Count("codeUpdate received")
				})
				c.On(client.TypeProvideInitialState, func(raw json.RawMessage) {
					var req struct {
						RequestID string `json:"requestId"`
					}
					if json.Unmarshal(raw, &req) != nil {
						return
					}
					_ = c.Send(map[string]interface{}{
						"type":      client.TypeProvideInitialState,
						"requestId": req.RequestID,
						"files":     current.Load(),
					})
				})
				c.On(client.TypeInitialState, func(raw json.RawMessage) {
					var msg struct {
						Status string `json:"status"`
						Reason string `json:"reason"`
					}
					if json.Unmarshal(raw, &msg) != nil {
						return
					}
					if at := requested.Load(); at > 0 {
						collector.Add(stats.SeriesState, time.Since(time.Unix(0, at)))
					}
					key := "initialState " + msg.Status
					if msg.Reason != "" {
						key += "/" + msg.Reason
					}
					collector.Count(key)
				})
				c.On(client.TypeRateLimited, func(json.RawMessage) {
					collector.Count("rateLimited")
				})
				c.Start()

				err = c.WaitForSession(connCtx)
				connCancel()
				if err != nil {
					collector.AddError()
					return
				}
				collector.AddConnect(c.GetMetrics().ConnectLatency)

				if err := c.Join(projectID); err != nil {
					collector.AddError()
					return
				}
				requested.Store(time.Now().UnixNano())
				_ = c.Send(map[string]string{
					"type":      client.TypeRequestInitialState,
					"requestId": c.SessionID(),
				})

				edit(editCtx, c, projectID, padding, *rate, collector)
			}()
		}
	}

	wg.Wait()
	collector.Report()
}

func edit(ctx context.Context, c *client.Client, projectID, padding string, rate float64, collector *stats.Collector) {
	if rate <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / rate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			collector.AddError()
			return
		case <-ticker.C:
			if err := c.SendCode(projectID, snapshot(padding), 0); err != nil {
				collector.AddError()
				return
			}
		}
	}
}

func snapshot(padding string) []client.File {
	stamp := stampPrefix + strconv.FormatInt(time.Now().UnixNano(), 10) + " -->"
	return []client.File{
		{Name: "index", Ext: "html", Content: stamp + "\n<p>" + padding + "</p>"},
		{Name: "style", Ext: "css", Content: "/* Add CSS here */"},
		{Name: "script", Ext: "js", Content: "// Add JavaScript here"},
	}
}

func parseStamp(content string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(content, stampPrefix)
	if !ok {
		return time.Time{}, false
	}
	end := strings.IndexByte(rest, ' ')
	if end < 0 {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
