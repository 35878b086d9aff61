// Package health serves the liveness and readiness probes of the control API.
//
// GET /healthz answers 200 as long as the process can serve HTTP. GET /readyz
// runs every registered [Checker] concurrently and answers 503 when a required
// check fails. Optional checks only downgrade the overall status to
// "degraded"; the turn log is one, since losing it never stops a session.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxloop/internal/orchestrator"
)

const checkTimeout = 5 * time.Second

// Overall and per-check status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker probes one dependency.
type Checker struct {
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional checks never fail readiness.
	Optional bool
}

// CheckResult is the outcome of one checker in a /readyz response.
type CheckResult struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	started  time.Time
	now      func() time.Time
}

// New returns a Handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
		now:      time.Now,
	}
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness and process uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{
		Status: StatusOK,
		Uptime: h.now().Sub(h.started).Round(time.Second).String(),
	})
}

// Readyz runs all checkers, each bounded by its own timeout derived from the
// request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Evaluate runs every checker and folds the results into a report.
func (h *Handler) Evaluate(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		g   errgroup.Group
		rep = Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			res := h.run(ctx, c)

			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			switch {
			case res.Status == StatusOK:
			case res.Status == StatusFail:
				rep.Status = StatusFail
			case rep.Status == StatusOK:
				rep.Status = StatusDegraded
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func (h *Handler) run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := h.now()
	err := c.Check(ctx)
	res := CheckResult{
		Status:    StatusOK,
		LatencyMs: float64(h.now().Sub(start).Microseconds()) / 1000,
	}
	if err != nil {
		res.Error = err.Error()
		res.Status = StatusFail
		if c.Optional {
			res.Status = StatusDegraded
		}
	}
	return res
}

// ── Checkers ──

// ErrNotConnected is reported while a running session waits for its realtime
// backend.
var ErrNotConnected = errors.New("health: realtime transport not connected")

// Transport is ready while idle, or while the running session is connected to
// its realtime backend or has switched to the fallback transport.
func Transport(snapshot func() orchestrator.Snapshot) Checker {
	return Checker{
		Name: "transport",
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s := snapshot()
			if s.State == orchestrator.StateIdle.String() || s.Connected || s.TransportMode == "fallback" {
				return nil
			}
			return ErrNotConnected
		},
	}
}

// Pinger is implemented by stores that can probe their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping is an optional checker backed by p.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping, Optional: true}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
