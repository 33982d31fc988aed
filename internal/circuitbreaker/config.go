package circuitbreaker

import (
	"errors"
	"time"
)

// Config holds the thresholds of a single breaker.
type Config struct {
	// FailureThreshold is the failure count at which the breaker opens.
	FailureThreshold uint32 `yaml:"failure_threshold" json:"failure_threshold"`
	// SuccessThreshold is the number of HALF_OPEN successes needed to close.
	SuccessThreshold uint32 `yaml:"success_threshold" json:"success_threshold"`
	// Timeout bounds a single call. Zero disables the deadline.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// ResetTimeout is how long the breaker stays OPEN before admitting trial calls.
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

// UpstreamConfig suits slow, less critical collaborators such as discovery
// and enrichment: trips early, waits long.
func UpstreamConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

// CoreConfig suits fast, central steps such as scoring and ranking.
func CoreConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		ResetTimeout:     30 * time.Second,
	}
}

// DefaultConfig returns the preset for a named dependency.
func DefaultConfig(dependency string) Config {
	switch dependency {
	case "discovery", "enrichment", "outreach":
		return UpstreamConfig()
	default:
		return CoreConfig()
	}
}

// Validate checks the thresholds are usable.
func (c Config) Validate() error {
	if c.FailureThreshold == 0 {
		return errors.New("failure_threshold must be >= 1")
	}
	if c.SuccessThreshold == 0 {
		return errors.New("success_threshold must be >= 1")
	}
	if c.Timeout < 0 {
		return errors.New("timeout must be >= 0")
	}
	if c.ResetTimeout <= 0 {
		return errors.New("reset_timeout must be positive")
	}
	return nil
}
