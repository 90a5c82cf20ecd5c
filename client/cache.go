// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"time"

	"github.com/benbjohnson/clock"
)

// addressCache keeps the resolved addresses of destination topics. It is
// guarded by the client mutex.
type addressCache struct {
	interval time.Duration
	force    bool
	clock    clock.Clock
	entries  map[string]cacheEntry
}

type cacheEntry struct {
	addrs     []string
	refreshed time.Time
}

func newAddressCache(interval time.Duration, force bool, clk clock.Clock) *addressCache {
	return &addressCache{
		interval: interval,
		force:    force,
		clock:    clk,
		entries:  make(map[string]cacheEntry),
	}
}

// fresh returns the cached addresses of topic if they may be used without
// asking the store.
func (c *addressCache) fresh(topic string) ([]string, bool) {
	if c.force {
		return nil, false
	}
	e, ok := c.entries[topic]
	if !ok || len(e.addrs) == 0 {
		return nil, false
	}
	if c.clock.Since(e.refreshed) >= c.interval {
		return nil, false
	}
	return e.addrs, true
}

// stale returns whatever is cached for topic, however old.
func (c *addressCache) stale(topic string) []string {
	return c.entries[topic].addrs
}

func (c *addressCache) put(topic string, addrs []string) {
	c.entries[topic] = cacheEntry{addrs: addrs, refreshed: c.clock.Now()}
}
