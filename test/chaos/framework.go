//go:build chaos
// +build chaos

// Package chaos stresses the worker agent against a misbehaving farm
// service. A fault injector sits between the agent and an in-memory farm,
// failing a random share of requests with retryable errors; tests assert
// that assigned work still completes and the worker winds down cleanly.
package chaos

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config tunes the injected fault mix.
type Config struct {
	// FaultRate is the probability any single request draws a fault (0-1).
	FaultRate float64

	// RandomSeed makes a run reproducible. Zero seeds from the clock.
	RandomSeed int64
}

// fault is one way the service can fail a request before processing it.
type fault struct {
	status int
	code   string
}

var faultKinds = []fault{
	{http.StatusInternalServerError, "InternalServerException"},
	{http.StatusServiceUnavailable, "ServiceUnavailableException"},
	{http.StatusTooManyRequests, "ThrottlingException"},
}

// FaultInjector wraps a farm service handler with random retryable
// failures. A request that draws a fault never reaches the wrapped
// handler, like a request the service rejected at the front door.
type FaultInjector struct {
	next   http.Handler
	logger *zap.Logger
	rate   float64

	mu       sync.Mutex
	rand     *rand.Rand
	requests int
	injected map[string]int
}

// NewFaultInjector wraps next with the configured fault mix.
func NewFaultInjector(config Config, next http.Handler, logger *zap.Logger) *FaultInjector {
	seed := config.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	logger.Info("Fault injector armed",
		zap.Float64("fault_rate", config.FaultRate),
		zap.Int64("seed", seed),
	)

	return &FaultInjector{
		next:     next,
		logger:   logger,
		rate:     config.FaultRate,
		rand:     rand.New(rand.NewSource(seed)),
		injected: make(map[string]int),
	}
}

func (fi *FaultInjector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fi.mu.Lock()
	fi.requests++
	var drawn *fault
	if fi.rand.Float64() < fi.rate {
		f := faultKinds[fi.rand.Intn(len(faultKinds))]
		drawn = &f
		fi.injected[f.code]++
	}
	fi.mu.Unlock()

	if drawn == nil {
		fi.next.ServeHTTP(w, r)
		return
	}

	fi.logger.Debug("Injecting fault",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("code", drawn.code),
	)

	body := map[string]any{
		"code":    drawn.code,
		"message": "injected fault",
	}
	if drawn.status == http.StatusTooManyRequests {
		body["retryAfterSeconds"] = 1
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(drawn.status)
	_ = json.NewEncoder(w).Encode(body)
}

// Requests returns how many calls the injector saw.
func (fi *FaultInjector) Requests() int {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.requests
}

// Injected returns how many faults fired in total.
func (fi *FaultInjector) Injected() int {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	total := 0
	for _, n := range fi.injected {
		total += n
	}
	return total
}

// Report renders a summary of the injected fault mix for the test log.
func (fi *FaultInjector) Report() string {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	total := 0
	for _, n := range fi.injected {
		total += n
	}
	rate := 0.0
	if fi.requests > 0 {
		rate = 100 * float64(total) / float64(fi.requests)
	}

	report := fmt.Sprintf(`
Fault Injection Report
======================
Requests: %d
Faults:   %d (%.1f%%)
`, fi.requests, total, rate)

	for _, f := range faultKinds {
		report += fmt.Sprintf("  %-28s %d\n", f.code+":", fi.injected[f.code])
	}

	return report
}
