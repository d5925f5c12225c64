// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// StatusTrailer is set to StatusComplete only when the upstream sequence
// ended normally. A response without it was cut short.
const (
	StatusTrailer  = "X-Stream-Status"
	StatusComplete = "complete"
)

// ErrWriterClosed is returned when writing after Close.
var ErrWriterClosed = errors.New("relay: writer closed")

// Stats describes what a Writer has sent.
type Stats struct {
	Fragments       int
	Bytes           int
	FirstFragmentAt time.Time
}

// Writer streams plain-text fragments to a client.
//
// # Description
//
// Nothing is committed until the first fragment: until then the handler
// can still answer with a JSON error and a non-200 status. The first
// WriteFragment sends the 200 status and headers. Every fragment is
// flushed as soon as it is written.
//
// # Thread Safety
//
// Safe for concurrent use; writes are serialized.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
	closed  bool
	stats   Stats
	now     func() time.Time
}

// NewWriter wraps w. It fails if w cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("relay: response writer does not support flushing")
	}
	return &Writer{w: w, flusher: flusher, now: time.Now}, nil
}

// Started reports whether the status line has been sent.
func (w *Writer) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// WriteFragment writes and flushes one fragment. Empty fragments are skipped.
func (w *Writer) WriteFragment(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if text == "" {
		return nil
	}
	w.startLocked()

	n, err := io.WriteString(w.w, text)
	w.stats.Bytes += n
	if err != nil {
		return fmt.Errorf("writing fragment: %w", err)
	}
	if w.stats.Fragments == 0 {
		w.stats.FirstFragmentAt = w.now()
	}
	w.stats.Fragments++
	w.flusher.Flush()
	return nil
}

// Close marks the stream complete. Safe to call more than once.
//
// When no fragment was written the 200 status is sent with an empty body.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.startLocked()
	w.w.Header().Set(StatusTrailer, StatusComplete)
	w.closed = true
	w.flusher.Flush()
	return nil
}

func (w *Writer) startLocked() {
	if w.started {
		return
	}
	h := w.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Trailer", StatusTrailer)
	w.w.WriteHeader(http.StatusOK)
	w.started = true
}
