// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package health provides liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status is the aggregate health of the process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc performs one health check.
type CheckFunc func(ctx context.Context) error

// Result is the outcome of a single named check.
type Result struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Checker runs registered checks on demand.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Register adds a named check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Health runs every registered check and returns the aggregate status.
func (c *Checker) Health(ctx context.Context) (Status, []Result) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	results := make([]Result, 0, len(c.checks))

	for name, check := range c.checks {
		r := Result{Name: name, Status: StatusHealthy}
		if err := check(ctx); err != nil {
			r.Status = StatusUnhealthy
			r.Message = err.Error()
			overall = StatusUnhealthy
		}
		results = append(results, r)
	}

	return overall, results
}

// LivenessHandler answers 200 as long as the process is serving.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

// ReadinessHandler runs the checks and answers 503 when any fails.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, results := c.Health(ctx)

		w.Header().Set("Content-Type", "application/json")
		if status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"checks": results,
		})
	}
}
