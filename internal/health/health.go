// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when the server is not
//     draining and every required [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok",
// "degraded" or "fail") and a "checks" map containing the result of each
// named checker. A failing optional checker degrades the status but keeps
// the relay in rotation: interviews still work without answer analysis.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named dependency probe. Check returns nil when healthy.
type Checker struct {
	// Name is the key in the JSON response (e.g. "store", "realtime").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error

	// Optional failures are reported as "warn" and do not fail readiness.
	Optional bool
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction; draining can be toggled at any time.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New creates a [Handler] that evaluates the given checkers concurrently on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// SetDraining marks the server as shutting down. While draining, /readyz
// fails without running any checker so load balancers stop routing new
// sessions here.
func (h *Handler) SetDraining(v bool) {
	h.draining.Store(v)
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 when every required checker passes within
// [checkTimeout]. Failing optional checkers downgrade the status to
// "degraded" but keep the 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, result{
			Status: "fail",
			Checks: map[string]string{"server": "fail: draining"},
		})
		return
	}

	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
		warned bool
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && c.Optional:
				checks[c.Name] = "warn: " + err.Error()
				warned = true
			case err != nil:
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			default:
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	switch {
	case !allOK:
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	case warned:
		res.Status = "degraded"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
