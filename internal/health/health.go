// Package health reports whether circuitd is alive and ready to serve.
//
// Components register checks with a Checker. A failing critical check
// makes the daemon unhealthy; a failing optional one only degrades it.
// The handlers are mounted next to the metrics endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"circuitd/internal/ipc"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	Error       string        `json:"error,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ns"`
}

// Check reports the state of one component.
type Check func(ctx context.Context) CheckResult

type component struct {
	name     string
	critical bool
	check    Check
}

// Checker runs the registered checks.
type Checker struct {
	timeout time.Duration

	mu         sync.RWMutex
	components map[string]component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a checker whose checks time out after timeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		timeout:    timeout,
		components: make(map[string]component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register adds a check. Registering a name again replaces it.
func (c *Checker) Register(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = component{name: name, critical: critical, check: check}
	c.results[name] = CheckResult{Status: StatusUnknown}
}

// SetReady marks the daemon ready, or not, to take peers.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every check concurrently and returns the results by name.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	comps := make([]component, 0, len(c.components))
	for _, comp := range c.components {
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	results := make([]CheckResult, len(comps))
	var g errgroup.Group
	for i, comp := range comps {
		g.Go(func() error {
			results[i] = c.run(ctx, comp)
			return nil
		})
	}
	g.Wait()

	out := make(map[string]CheckResult, len(comps))
	c.mu.Lock()
	for i, comp := range comps {
		// skip checks unregistered while running
		if _, ok := c.components[comp.name]; ok {
			c.results[comp.name] = results[i]
		}
		out[comp.name] = results[i]
	}
	c.mu.Unlock()
	return out
}

func (c *Checker) run(ctx context.Context, comp component) (result CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.check(ctx)
	}()

	select {
	case result = <-done:
	case <-ctx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// OverallStatus aggregates the last results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var degraded, unknown bool
	for name, result := range c.results {
		critical := c.components[name].critical
		switch result.Status {
		case StatusUnhealthy:
			if critical {
				return StatusUnhealthy
			}
			degraded = true
		case StatusDegraded:
			degraded = true
		case StatusUnknown:
			unknown = unknown || critical
		}
	}
	switch {
	case unknown:
		return StatusUnknown
	case degraded:
		return StatusDegraded
	}
	return StatusHealthy
}

// Report is the body of the health endpoint.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components"`
	Failing    []string               `json:"failing,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs the checks and summarizes them.
func (c *Checker) Report(ctx context.Context) Report {
	results := c.Check(ctx)
	var failing []string
	for name, r := range results {
		if r.Status != StatusHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	c.mu.RLock()
	ready, uptime := c.ready, time.Since(c.startTime)
	c.mu.RUnlock()

	return Report{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.Round(time.Second).String(),
		Components: results,
		Failing:    failing,
		Timestamp:  time.Now(),
	}
}

// LivenessHandler answers 200 while the process runs.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now()})
	})
}

// ReadinessHandler answers 503 until SetReady(true) and while a critical
// check fails. A degraded daemon is still ready.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, Report{Status: StatusUnknown, Timestamp: time.Now()})
			return
		}
		report := c.Report(r.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// PingCheck reports unhealthy when ping fails, such as the session
// database ping.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "ping failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// SocketCheck reports whether the daemon socket accepts connections.
func SocketCheck(path string) Check {
	return func(ctx context.Context) CheckResult {
		if !ipc.IsSocketListening(path) {
			return CheckResult{Status: StatusUnhealthy, Message: "socket not listening: " + path}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// CommandCheck reports whether the synthesis command can be found. The
// daemon runs without one, so a missing command only degrades it.
func CommandCheck(argv []string) Check {
	return func(ctx context.Context) CheckResult {
		if len(argv) == 0 || argv[0] == "" {
			return CheckResult{Status: StatusDegraded, Message: "no synthesis command configured"}
		}
		path, err := exec.LookPath(argv[0])
		if err != nil {
			return CheckResult{Status: StatusDegraded, Message: "synthesis command not found", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: path}
	}
}
