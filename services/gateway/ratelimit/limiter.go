// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit implements per-client fixed-window admission control.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config holds the window policy.
type Config struct {
	// MaxRequests is the number of admissions per key per window.
	MaxRequests int
	// Window is the length of one fixed window.
	Window time.Duration
}

// DefaultConfig returns 10 requests per 60 seconds.
func DefaultConfig() Config {
	return Config{MaxRequests: 10, Window: 60 * time.Second}
}

// Decision is the outcome of one admission.
type Decision struct {
	Allowed bool
	// RetryAfter is whole seconds until the window resets. Zero when allowed.
	RetryAfter int
}

type entry struct {
	count   int
	resetAt time.Time
}

// Limiter counts requests per key in fixed windows.
//
// The first request for a key, or the first at or after the key's reset
// time, opens a new window with count 1. Later requests in the window are
// admitted while count < MaxRequests. Bursts of up to 2×MaxRequests are
// possible across a window boundary.
//
// Stale entries are swept during Admit, at most once per window, so the
// map stays bounded by the number of keys active in roughly two windows.
type Limiter struct {
	mu        sync.Mutex
	config    Config
	entries   map[string]*entry
	lastPrune time.Time
	now       func() time.Time
}

// New creates a Limiter. Non-positive fields take their defaults.
func New(config Config) *Limiter {
	def := DefaultConfig()
	if config.MaxRequests <= 0 {
		config.MaxRequests = def.MaxRequests
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	return &Limiter{
		config:  config,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Tests only.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.lastPrune = now()
	return l
}

// Admit records one request for key and reports whether it is allowed.
func (l *Limiter) Admit(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	e, ok := l.entries[key]
	if !ok || !now.Before(e.resetAt) {
		l.entries[key] = &entry{count: 1, resetAt: now.Add(l.config.Window)}
		return Decision{Allowed: true}
	}

	if e.count < l.config.MaxRequests {
		e.count++
		return Decision{Allowed: true}
	}

	return Decision{RetryAfter: retryAfterSeconds(e.resetAt.Sub(now))}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Config returns the effective policy.
func (l *Limiter) Config() Config {
	return l.config
}

func (l *Limiter) pruneLocked(now time.Time) {
	if l.lastPrune.IsZero() {
		l.lastPrune = now
		return
	}
	if now.Sub(l.lastPrune) < l.config.Window {
		return
	}
	l.lastPrune = now
	for key, e := range l.entries {
		if !now.Before(e.resetAt) {
			delete(l.entries, key)
		}
	}
}

// retryAfterSeconds rounds up, with a floor of 1 while denied.
func retryAfterSeconds(remaining time.Duration) int {
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
