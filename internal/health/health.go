package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const checkTimeout = 5 * time.Second

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// Probe is one named dependency check.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckAll runs every probe concurrently and returns the combined status.
func CheckAll(ctx context.Context, probes ...Probe) HealthStatus {
	checks := make([]CheckResult, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checks[i] = run(ctx, p)
		}()
	}
	wg.Wait()

	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
		}
	}
	return HealthStatus{
		OK:        allOK,
		Checks:    checks,
		CheckedAt: time.Now().UTC(),
	}
}

func run(ctx context.Context, p Probe) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	start := time.Now()
	result := CheckResult{Name: p.Name}
	err := p.Check(ctx)
	result.Latency = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.OK = true
	return result
}

// Cached serves a recent HealthStatus so frequent readiness polls do not hit
// remote dependencies every time.
type Cached struct {
	probes []Probe
	ttl    time.Duration

	mu   sync.Mutex
	last HealthStatus
}

func NewCached(ttl time.Duration, probes ...Probe) *Cached {
	return &Cached{probes: probes, ttl: ttl}
}

func (c *Cached) Status(ctx context.Context) HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.last.CheckedAt.IsZero() && time.Since(c.last.CheckedAt) < c.ttl {
		return c.last
	}
	c.last = CheckAll(ctx, c.probes...)
	return c.last
}
