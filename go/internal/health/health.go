package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Checker reports whether one backend is reachable.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

type Status struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
	Errors     []string          `json:"errors"`
}

// Handler checks every registered backend on each request.
type Handler struct {
	checkers map[string]Checker
	timeout  time.Duration
}

func NewHandler(checkers map[string]Checker) *Handler {
	return &Handler{checkers: checkers, timeout: 5 * time.Second}
}

func (h *Handler) Check(ctx context.Context) Status {
	status := Status{
		Healthy:    true,
		Components: make(map[string]string, len(h.checkers)),
		Errors:     []string{},
	}

	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checkers[name].Check(ctx); err != nil {
			status.Healthy = false
			status.Components[name] = "down"
			status.Errors = append(status.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		status.Components[name] = "up"
	}
	return status
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		log.Warn().Strs("errors", status.Errors).Msg("health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}
