// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit bounds how fast a single remote host may open inbound
// connections to a listener.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Config holds per-peer accept rate limiting settings.
type Config struct {
	Enabled         bool          `yaml:"enabled" toml:"enabled"`
	Rate            float64       `yaml:"rate" toml:"rate"`                         // connections per second per IP
	Burst           int           `yaml:"burst" toml:"burst"`                       // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval" toml:"cleanup_interval"` // stale entry sweep interval
}

// DefaultConfig returns the accept limiter defaults; it starts disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Rate:            100.0 / 60.0, // 100 connections per minute per IP
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
	}
}

// PeerLimiter rate limits accepted connections per remote IP. A nil
// *PeerLimiter allows everything.
type PeerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*peerEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	clock    clock.Clock
	stopCh   chan struct{}
	stopOnce sync.Once
}

type peerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns a limiter for cfg, or nil when cfg is disabled.
func New(cfg Config) *PeerLimiter {
	if !cfg.Enabled {
		return nil
	}
	return NewPeerLimiter(cfg.Rate, cfg.Burst, cfg.CleanupInterval, clock.New())
}

// NewPeerLimiter creates a limiter allowing r connections per second with
// the given burst per IP, and starts the stale entry sweeper.
func NewPeerLimiter(r float64, burst int, cleanupInterval time.Duration, clk clock.Clock) *PeerLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &PeerLimiter{
		limiters: make(map[string]*peerEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		clock:    clk,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may be accepted now.
func (l *PeerLimiter) Allow(addr net.Addr) bool {
	if l == nil {
		return true
	}
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	now := l.clock.Now()
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &peerEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Len returns the number of tracked peers.
func (l *PeerLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Stop stops the sweeper. It is safe to call more than once.
func (l *PeerLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *PeerLimiter) cleanupLoop() {
	ticker := l.clock.Ticker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *PeerLimiter) sweep() {
	threshold := l.clock.Now().Add(-2 * l.cleanup)

	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
