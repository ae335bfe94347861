package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Depther reports the audit queue's current backlog for the readiness
// payload.
type Depther interface {
	Depth() int
}

// Checker handles the health check endpoints.
type Checker struct {
	db     *sql.DB
	queue  Depther
	logger *slog.Logger
}

func NewChecker(db *sql.DB, queue Depther, logger *slog.Logger) *Checker {
	return &Checker{
		db:     db,
		queue:  queue,
		logger: logger,
	}
}

func (c *Checker) RegisterRoutes(r chi.Router) {
	r.Get("/health", c.HandleHealth)   // Liveness
	r.Get("/ready", c.HandleReadiness) // Readiness
}

// HandleHealth returns 200 as long as the binary is running.
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HandleReadiness pings the database. A slow database (>200ms) counts as
// down so the load balancer cuts traffic before writes start dropping.
func (c *Checker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 200*time.Millisecond)
	defer cancel()

	status := "UP"
	statusCode := http.StatusOK

	if err := c.db.PingContext(ctx); err != nil {
		c.logger.Error("readiness check failed: database unreachable or slow", "error", err)
		status = "DOWN"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status": status,
		"db":     status,
	}
	if c.queue != nil {
		response["queue_depth"] = c.queue.Depth()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		c.logger.Error("failed to write health response", "error", err)
	}
}
