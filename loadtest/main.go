package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sendflow/client"
	v1 "sendflow/pkg/api/v1"
	"sendflow/pkg/logger"
)

// Configuration
var (
	targetURL = flag.String("url", "http://localhost:8080", "Target sendflow base URL")
	token     = flag.String("token", "", "Bearer token (use X-Dev-Pass in dev mode instead)")
	senderID  = flag.String("sender", "", "Sender id to schedule from")
	recipient = flag.String("to", "loadtest@example.com", "Recipient address")
	workers   = flag.Int("c", 50, "Concurrent submitters")
	total     = flag.Int("n", 5000, "Total emails to schedule")
	spread    = flag.Duration("spread", time.Hour, "Window to spread scheduled_at over")
)

// Metrics
var (
	scheduled    int64
	scheduleErrs int64
	latencySum   int64 // milliseconds
	latencyCount int64
)

func main() {
	flag.Parse()
	logger.InitLogger("dev")

	fmt.Printf("Starting schedule load test\n")
	fmt.Printf("   Target: %s\n", *targetURL)
	fmt.Printf("   Workers: %d\n", *workers)
	fmt.Printf("   Total: %d\n", *total)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metric Reporter
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok := atomic.LoadInt64(&scheduled)
				errs := atomic.LoadInt64(&scheduleErrs)
				latSum := atomic.SwapInt64(&latencySum, 0)
				latCnt := atomic.SwapInt64(&latencyCount, 0)

				avgLat := float64(0)
				if latCnt > 0 {
					avgLat = float64(latSum) / float64(latCnt)
				}

				fmt.Printf("[%s] Scheduled: %d | Errors: %d | Avg Latency: %.2f ms\n",
					time.Now().Format("15:04:05"), ok, errs, avgLat)
			}
		}
	}()

	jobs := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSubmitter(ctx, jobs)
		}()
	}

	start := time.Now()
	for i := 0; i < *total; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	fmt.Printf("Done in %v: %d scheduled, %d errors\n",
		time.Since(start).Round(time.Millisecond),
		atomic.LoadInt64(&scheduled),
		atomic.LoadInt64(&scheduleErrs))
}

func runSubmitter(ctx context.Context, jobs <-chan int) {
	c := client.NewClient(*targetURL, *token)

	for i := range jobs {
		at := time.Now().Add(time.Duration(i) * *spread / time.Duration(*total))
		req := v1.ScheduleRequest{
			Recipient:   *recipient,
			Subject:     fmt.Sprintf("Load test %d", i),
			Body:        "Hello {{name}}, this is message number " + fmt.Sprint(i),
			SenderID:    *senderID,
			ScheduledAt: &at,
		}

		start := time.Now()
		_, err := c.Schedule(ctx, req)
		elapsed := time.Since(start).Milliseconds()

		if err != nil {
			if atomic.AddInt64(&scheduleErrs, 1) == 1 {
				fmt.Printf("Error scheduling: %v\n", err)
			}
			continue
		}
		atomic.AddInt64(&scheduled, 1)
		atomic.AddInt64(&latencySum, elapsed)
		atomic.AddInt64(&latencyCount, 1)
	}
}
