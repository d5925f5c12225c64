// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storecache resolves the single knowledge-base store handle.
//
// The cache slot has three states:
//
//	Empty     no handle, no flight    -> next Resolve starts a flight
//	Pending   flight in progress      -> Resolve joins it
//	Resolved  handle cached           -> Resolve returns it, no I/O
//
// A flight lists every store and picks the one with the knowledge-base
// display name, creating it when absent. Success moves the slot to Resolved
// for the life of the process (or until Reset). Failure returns the slot
// to Empty so the next caller retries.
package storecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/lexgate/services/gateway/datatypes"
	"github.com/AleutianAI/lexgate/services/llm"
)

const flightKey = "store"

// Resolution outcomes passed to Config.OnResolve.
const (
	ResultFound   = "found"
	ResultCreated = "created"
	ResultError   = "error"
)

// StoreAPI is the part of the upstream client a flight needs.
type StoreAPI interface {
	ListStores(ctx context.Context) ([]llm.Store, error)
	CreateStore(ctx context.Context, displayName string) (llm.Store, error)
}

// ResolveError wraps a failed flight. The cause stays reachable through
// errors.Is and errors.As so callers can classify it.
type ResolveError struct {
	Err error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolving knowledge base store: %v", e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// Config configures a Cache.
type Config struct {
	// DisplayName selects the store. Default: datatypes.KnowledgeBaseDisplayName.
	DisplayName string
	// Timeout bounds one flight. Default: 30s.
	Timeout time.Duration
	// OnResolve is called once per finished flight with a Result* value.
	OnResolve func(result string)
}

// Cache holds the resolved store handle.
type Cache struct {
	api    StoreAPI
	config Config
	tracer trace.Tracer
	flight singleflight.Group

	mu     sync.RWMutex
	handle datatypes.StoreHandle
	// generation increments on Reset so a flight that started before the
	// reset cannot repopulate the slot with the deleted store.
	generation uint64
}

// New creates an empty Cache.
func New(api StoreAPI, config Config) *Cache {
	if api == nil {
		panic("storecache.New: api must not be nil")
	}
	if config.DisplayName == "" {
		config.DisplayName = datatypes.KnowledgeBaseDisplayName
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Cache{
		api:    api,
		config: config,
		tracer: otel.Tracer("lexgate.gateway.storecache"),
	}
}

// Cached returns the handle without any I/O.
func (c *Cache) Cached() (datatypes.StoreHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle, !c.handle.IsZero()
}

// Reset empties the slot. The next Resolve lists stores again.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = datatypes.StoreHandle{}
	c.generation++
}

// Resolve returns the store handle, resolving it if needed.
//
// # Description
//
// Concurrent callers that arrive while a flight is pending share its result;
// at most one list/create round trip is in progress per process.
//
// The flight runs on a context detached from the caller's cancellation and
// bounded by Config.Timeout. A caller whose ctx ends stops waiting and gets
// ctx.Err(), while the flight continues for everyone else joined to it.
//
// # Outputs
//
//   - datatypes.StoreHandle: the resolved handle.
//   - error: ctx.Err(), or *ResolveError wrapping the upstream failure
//     (including llm.ErrAPIKeyMissing).
func (c *Cache) Resolve(ctx context.Context) (datatypes.StoreHandle, error) {
	if h, ok := c.Cached(); ok {
		return h, nil
	}

	ctx, span := c.tracer.Start(ctx, "storecache.Resolve")
	defer span.End()

	c.mu.RLock()
	gen := c.generation
	c.mu.RUnlock()

	ch := c.flight.DoChan(flightKey, func() (any, error) {
		// Another flight may have finished between Cached and DoChan.
		if h, ok := c.Cached(); ok {
			return h, nil
		}

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.Timeout)
		defer cancel()

		h, result, err := c.lookupOrCreate(fctx)
		if c.config.OnResolve != nil {
			c.config.OnResolve(result)
		}
		if err != nil {
			return nil, err
		}
		c.store(h, gen)
		return h, nil
	})

	select {
	case <-ctx.Done():
		span.SetStatus(codes.Error, "caller cancelled")
		return datatypes.StoreHandle{}, ctx.Err()
	case res := <-ch:
		span.SetAttributes(attribute.Bool("storecache.shared", res.Shared))
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "resolution failed")
			return datatypes.StoreHandle{}, &ResolveError{Err: res.Err}
		}
		h := res.Val.(datatypes.StoreHandle)
		span.SetAttributes(attribute.String("storecache.store", h.Name))
		return h, nil
	}
}

func (c *Cache) lookupOrCreate(ctx context.Context) (datatypes.StoreHandle, string, error) {
	stores, err := c.api.ListStores(ctx)
	if err != nil {
		return datatypes.StoreHandle{}, ResultError, err
	}
	for _, s := range stores {
		if s.DisplayName == c.config.DisplayName && s.Name != "" {
			return datatypes.StoreHandle{Name: s.Name, DisplayName: s.DisplayName}, ResultFound, nil
		}
	}

	created, err := c.api.CreateStore(ctx, c.config.DisplayName)
	if err != nil {
		return datatypes.StoreHandle{}, ResultError, err
	}
	if created.Name == "" {
		return datatypes.StoreHandle{}, ResultError, errors.New("created store is missing a name")
	}
	return datatypes.StoreHandle{Name: created.Name, DisplayName: c.config.DisplayName}, ResultCreated, nil
}

func (c *Cache) store(h datatypes.StoreHandle, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	c.handle = h
}
