package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrBreakerNotFound is returned for an unregistered dependency name.
var ErrBreakerNotFound = errors.New("circuit breaker not found")

// Registry owns one breaker per external dependency. It is shared by every
// pipeline run of an orchestrator, so breaker state reflects aggregate
// dependency health rather than a single run's history.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

// GetOrCreate returns the breaker for name, creating it with config if absent.
func (r *Registry) GetOrCreate(name string, config Config) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[name]
	r.mu.RUnlock()
	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, exists = r.breakers[name]; exists {
		return b
	}

	b = New(name, config, r.logger)
	r.breakers[name] = b
	r.logger.Info("created circuit breaker",
		zap.String("breaker", name),
		zap.Uint32("failure_threshold", config.FailureThreshold),
		zap.Duration("timeout", config.Timeout))
	return b
}

// Get returns the breaker registered under name.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Reset forces the named breaker CLOSED.
func (r *Registry) Reset(name string) error {
	b, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBreakerNotFound, name)
	}
	b.Reset()
	return nil
}

// Names returns the registered dependency names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statuses returns a snapshot of every breaker keyed by name.
func (r *Registry) Statuses() map[string]Status {
	statuses := make(map[string]Status)
	for _, name := range r.Names() {
		if b, ok := r.Get(name); ok {
			statuses[name] = b.Status()
		}
	}
	return statuses
}

// AllClosed reports whether every registered breaker is CLOSED.
func (r *Registry) AllClosed() bool {
	for _, status := range r.Statuses() {
		if status.State != StateClosed {
			return false
		}
	}
	return true
}
