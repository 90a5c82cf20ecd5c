// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sender

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig controls the per-destination connect circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed connects that
	// opens the breaker. Zero disables it.
	FailureThreshold uint32
	// ResetTimeout is how long an open breaker rejects connects before
	// allowing a trial.
	ResetTimeout time.Duration
}

// breakers holds one circuit breaker per destination address.
type breakers struct {
	cfg    BreakerConfig
	logger *slog.Logger

	mu  sync.RWMutex
	all map[string]*gobreaker.CircuitBreaker
}

func newBreakers(cfg BreakerConfig, logger *slog.Logger) *breakers {
	return &breakers{
		cfg:    cfg,
		logger: logger,
		all:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *breakers) get(addr string) *gobreaker.CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.all[addr]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.all[addr]; ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Timeout:     b.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("destination circuit breaker state changed",
				slog.String("address", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	b.all[addr] = cb
	return cb
}

// execute runs fn through the breaker of addr.
func (b *breakers) execute(addr string, fn func() (any, error)) (any, error) {
	if b.cfg.FailureThreshold == 0 {
		return fn()
	}
	return b.get(addr).Execute(fn)
}
