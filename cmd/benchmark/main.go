package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/bukmarket/internal/api"
	"github.com/punchamoorthee/bukmarket/internal/domain"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	secret      string
	accounts    int
	bookings    int
	price       int64
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // Sold
	relisted      uint64
	fail409       uint64 // Lost the race or not listed
	fail422       uint64 // Settlement rejected
	failOther     uint64
)

var tokens sync.Map // domain.Address -> bearer token

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "JWT signing secret of the API")
	flag.IntVar(&accounts, "accounts", 1000, "Seeded wallets (seeder accounts --count)")
	flag.IntVar(&bookings, "bookings", 1000, "Seeded bookings (seeder bookings --count)")
	flag.Int64Var(&price, "price", 100, "Listing price in minor units")
}

func main() {
	flag.Parse()
	if secret == "" {
		log.Fatal("-secret or JWT_SECRET is required")
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	client := &http.Client{Timeout: 5 * time.Second}
	listAll(client)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func seedAddress(i int) domain.Address {
	return domain.Address(fmt.Sprintf("0x%040x", i))
}

func bearer(addr domain.Address) string {
	if tok, ok := tokens.Load(addr); ok {
		return tok.(string)
	}
	tok, err := api.IssueToken(secret, addr, duration+time.Hour)
	if err != nil {
		log.Fatalf("Unable to sign token: %v", err)
	}
	tokens.Store(addr, tok)
	return tok
}

// listAll puts every seeded booking up for sale by its seeded owner.
func listAll(client *http.Client) {
	for i := 1; i <= bookings; i++ {
		code, err := list(client, seedAddress(i), domain.TokenID(i))
		if err != nil || (code != http.StatusCreated && code != http.StatusConflict) {
			log.Printf("Listing token %d failed: status=%d err=%v", i, code, err)
		}
	}
}

func list(client *http.Client, seller domain.Address, tokenID domain.TokenID) (int, error) {
	body, _ := json.Marshal(api.CreateListingRequest{TokenID: uint64(tokenID), Price: price})
	req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/listings", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer(seller))
	return do(client, req)
}

func do(client *http.Client, req *http.Request) (int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		tokenID, buyer := pick()

		req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/v1/listings/%d/purchase", targetURL, tokenID), nil)
		req.Header.Set("Authorization", "Bearer "+bearer(buyer))
		req.Header.Set("Idempotency-Key", uuid.NewString())

		code, err := do(client, req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch code {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
			// keep the token in circulation: the buyer is approved for
			// the operator by the seeder, so it can list right away.
			if code, err := list(client, buyer, tokenID); err == nil && code == http.StatusCreated {
				atomic.AddUint64(&relisted, 1)
			}
		case http.StatusConflict, http.StatusForbidden:
			atomic.AddUint64(&fail409, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func pick() (domain.TokenID, domain.Address) {
	buyer := seedAddress(rand.Intn(accounts) + 1)

	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes to tokens 1 & 2
		if rand.Float32() < 0.90 {
			return domain.TokenID(rand.Intn(2) + 1), buyer
		}
	}

	return domain.TokenID(rand.Intn(bookings) + 1), buyer
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	relist := atomic.LoadUint64(&relisted)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	abortRate := 0.0
	if total > 0 {
		abortRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":         workload,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_tps":   tps,
		"sales":            s201,
		"relisted":         relist,
		"aborts_conflict":  f409,
		"abort_rate_pct":   abortRate,
		"rejected_payment": f422,
		"errors":           fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Unable to write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
