package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	token       string
	concurrency int
	duration    time.Duration
	model       string
	text        string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Streamed completions
	denied402     uint64 // Insufficient credits
	fail4xx       uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&token, "token", "", "Session bearer token")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&model, "model", "gpt-4o-mini", "Model type to request")
	flag.StringVar(&text, "text", "Ths sentnce has sevral typos in it.", "Text to optimize")
}

func main() {
	flag.Parse()
	if token == "" {
		log.Fatal("A -token is required (obtain one via /api/v1/auth/verify)")
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", model, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 2 * time.Minute}

	payload := map[string]interface{}{
		"text":         text,
		"languageCode": "en",
		"modelType":    model,
	}
	body, _ := json.Marshal(payload)

	for time.Since(start) < duration {
		req, _ := http.NewRequest("POST", targetURL+"/api/v1/optimize", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		// Drain the stream so the server-side settlement path completes.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.StatusCode == 200:
			atomic.AddUint64(&success200, 1)
		case resp.StatusCode == 402:
			atomic.AddUint64(&denied402, 1)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			atomic.AddUint64(&fail4xx, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s200 := atomic.LoadUint64(&success200)
	d402 := atomic.LoadUint64(&denied402)
	f4xx := atomic.LoadUint64(&fail4xx)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var deniedRate float64
	if total > 0 {
		deniedRate = float64(d402) / float64(total) * 100
	}

	results := map[string]interface{}{
		"model":            model,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_rps":   tps,
		"success_streamed": s200,
		"denied_credits":   d402,
		"denied_rate_pct":  deniedRate,
		"client_errors":    f4xx,
		"errors":           fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", model)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
