package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pipeline-orchestrator/internal/circuitbreaker"
)

const storePingTimeout = 2 * time.Second

// Pinger is anything whose liveness can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreHealth is the state store liveness result
type StoreHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthReport aggregates breaker states and the store liveness check.
type HealthReport struct {
	Healthy         bool                             `json:"healthy"`
	CircuitBreakers map[string]circuitbreaker.Status `json:"circuit_breakers"`
	Store           StoreHealth                      `json:"store"`
	CheckedAt       time.Time                        `json:"checked_at"`
}

// HealthMonitor reports healthy only when every breaker is closed and the
// store answers.
type HealthMonitor struct {
	breakers *circuitbreaker.Registry
	store    Pinger
	logger   *zap.Logger
}

func NewHealthMonitor(breakers *circuitbreaker.Registry, store Pinger, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{breakers: breakers, store: store, logger: logger}
}

// Check pings the store and snapshots every breaker
func (h *HealthMonitor) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		CircuitBreakers: h.breakers.Statuses(),
		Store:           StoreHealth{Healthy: true},
		CheckedAt:       time.Now().UTC(),
	}

	if h.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, storePingTimeout)
		defer cancel()
		if err := h.store.Ping(pingCtx); err != nil {
			h.logger.Warn("state store health check failed", zap.Error(err))
			report.Store = StoreHealth{Healthy: false, Error: err.Error()}
		}
	}

	report.Healthy = report.Store.Healthy && h.breakers.AllClosed()
	return report
}
