package observer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AltairaLabs/promptguard/internal/audit"
	"github.com/AltairaLabs/promptguard/internal/escrow"
	"github.com/AltairaLabs/promptguard/internal/identity"
	"github.com/AltairaLabs/promptguard/internal/kms"
)

// AgentCounter reports registered agent counts; the coordinator
// satisfies it.
type AgentCounter interface {
	AgentCounts() (prompts, responses int)
}

// Health is one health-check snapshot served on /healthz.
type Health struct {
	Healthy      bool      `json:"healthy"`
	KeyService   string    `json:"key_service"`
	AuditEntries int       `json:"audit_entries"`
	EscrowedKeys int       `json:"escrowed_keys"`
	Sessions     int       `json:"sessions"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Runner polls the key service and the core components on an interval
// and publishes the results as metrics and a /healthz snapshot.
type Runner struct {
	interval time.Duration
	keys     kms.KeyService
	vault    *escrow.Escrow
	ledger   *audit.Logger
	sessions *identity.Manager
	agents   AgentCounter
	metrics  *Metrics
	logger   *slog.Logger

	mu       sync.RWMutex
	snapshot Health
}

// NewRunner creates a health runner. Any dependency except the key
// service may be nil; nil dependencies are skipped during checks.
func NewRunner(
	interval time.Duration,
	keys kms.KeyService,
	vault *escrow.Escrow,
	ledger *audit.Logger,
	sessions *identity.Manager,
	agents AgentCounter,
	metrics *Metrics,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		interval: interval,
		keys:     keys,
		vault:    vault,
		ledger:   ledger,
		sessions: sessions,
		agents:   agents,
		metrics:  metrics,
		logger:   logger.With("component", "observer"),
	}
}

// Run checks immediately, then on every interval tick until the
// context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.Check(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("health runner stopped")
			return
		case <-ticker.C:
			r.Check(ctx)
		}
	}
}

// Check performs one health pass and returns the snapshot.
func (r *Runner) Check(ctx context.Context) Health {
	h := Health{Healthy: true, KeyService: "ok", CheckedAt: time.Now().UTC()}

	if err := r.keys.TestConnection(ctx); err != nil {
		h.Healthy = false
		h.KeyService = err.Error()
		r.logger.WarnContext(ctx, "key service probe failed", "error", err)
	}

	if r.vault != nil {
		h.EscrowedKeys = r.vault.Stats().TotalKeys
	}
	if r.ledger != nil {
		if stats, err := r.ledger.Stats(ctx); err == nil {
			h.AuditEntries = stats.TotalEntries
		} else {
			h.Healthy = false
			r.logger.WarnContext(ctx, "audit stats failed", "error", err)
		}
	}
	if r.sessions != nil {
		h.Sessions = r.sessions.Count()
	}

	r.publish(h)

	r.mu.Lock()
	r.snapshot = h
	r.mu.Unlock()
	return h
}

// publish mirrors the snapshot into the metric gauges.
func (r *Runner) publish(h Health) {
	if r.metrics == nil {
		return
	}
	up := 0.0
	if h.KeyService == "ok" {
		up = 1.0
	}
	r.metrics.KeyServiceUp.Set(up)
	r.metrics.AuditEntriesTotal.Set(float64(h.AuditEntries))
	r.metrics.EscrowedKeys.Set(float64(h.EscrowedKeys))
	r.metrics.ActiveSessions.Set(float64(h.Sessions))

	if r.agents != nil {
		prompts, responses := r.agents.AgentCounts()
		r.metrics.RegisteredAgents.WithLabelValues("prompt").Set(float64(prompts))
		r.metrics.RegisteredAgents.WithLabelValues("response").Set(float64(responses))
	}
}

// Snapshot returns the result of the most recent check.
func (r *Runner) Snapshot() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Handler serves the latest snapshot as JSON, 503 when unhealthy.
func (r *Runner) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if !h.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
}
