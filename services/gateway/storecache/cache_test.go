// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lexgate/services/gateway/datatypes"
	"github.com/AleutianAI/lexgate/services/llm"
)

// fakeStoreAPI counts calls. When gate is non-nil, ListStores blocks on it.
type fakeStoreAPI struct {
	gate     chan struct{}
	stores   []llm.Store
	listErr  error
	createFn func(name string) (llm.Store, error)

	lists   atomic.Int32
	creates atomic.Int32
}

func (f *fakeStoreAPI) ListStores(ctx context.Context) ([]llm.Store, error) {
	f.lists.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.stores, nil
}

func (f *fakeStoreAPI) CreateStore(_ context.Context, name string) (llm.Store, error) {
	f.creates.Add(1)
	if f.createFn != nil {
		return f.createFn(name)
	}
	return llm.Store{Name: "fileSearchStores/created-1", DisplayName: name}, nil
}

func TestResolve_FindsExistingStore(t *testing.T) {
	api := &fakeStoreAPI{stores: []llm.Store{
		{Name: "fileSearchStores/other", DisplayName: "Other"},
		{Name: "fileSearchStores/kb", DisplayName: datatypes.KnowledgeBaseDisplayName},
	}}
	var results []string
	cache := New(api, Config{OnResolve: func(r string) { results = append(results, r) }})

	h, err := cache.Resolve(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "fileSearchStores/kb", h.Name)
	assert.Equal(t, int32(0), api.creates.Load())
	assert.Equal(t, []string{ResultFound}, results)
}

func TestResolve_CreatesWhenAbsent(t *testing.T) {
	api := &fakeStoreAPI{stores: []llm.Store{{Name: "fileSearchStores/other", DisplayName: "Other"}}}
	cache := New(api, Config{})

	h, err := cache.Resolve(context.Background())

	require.NoError(t, err)
	assert.Equal(t, datatypes.StoreHandle{Name: "fileSearchStores/created-1", DisplayName: datatypes.KnowledgeBaseDisplayName}, h)
	assert.Equal(t, int32(1), api.creates.Load())
}

func TestResolve_CachedHandleNeedsNoRemoteCall(t *testing.T) {
	api := &fakeStoreAPI{}
	cache := New(api, Config{})

	first, err := cache.Resolve(context.Background())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := cache.Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, int32(1), api.lists.Load())
	assert.Equal(t, int32(1), api.creates.Load())
}

func TestResolve_ConcurrentCallersShareOneRoundTrip(t *testing.T) {
	api := &fakeStoreAPI{gate: make(chan struct{})}
	cache := New(api, Config{})

	const callers = 25
	var wg sync.WaitGroup
	handles := make([]datatypes.StoreHandle, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = cache.Resolve(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return api.lists.Load() == 1 }, time.Second, time.Millisecond)
	// Give stragglers time to join the pending flight before releasing it.
	time.Sleep(20 * time.Millisecond)
	close(api.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, handles[0], handles[i])
	}
	assert.Equal(t, int32(1), api.lists.Load())
	assert.Equal(t, int32(1), api.creates.Load())
}

func TestResolve_FailureIsNotCached(t *testing.T) {
	api := &fakeStoreAPI{listErr: errors.New("upstream unavailable")}
	var results []string
	cache := New(api, Config{OnResolve: func(r string) { results = append(results, r) }})

	_, err := cache.Resolve(context.Background())

	var rerr *ResolveError
	require.True(t, errors.As(err, &rerr))
	_, ok := cache.Cached()
	assert.False(t, ok)

	api.listErr = nil
	h, err := cache.Resolve(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, h.Name)
	assert.Equal(t, int32(2), api.lists.Load())
	assert.Equal(t, []string{ResultError, ResultCreated}, results)
}

func TestResolve_MissingCredentialSurfacesEveryCall(t *testing.T) {
	api := &fakeStoreAPI{listErr: llm.ErrAPIKeyMissing}
	cache := New(api, Config{})

	for i := 0; i < 3; i++ {
		_, err := cache.Resolve(context.Background())
		assert.ErrorIs(t, err, llm.ErrAPIKeyMissing)
	}
}

func TestResolve_CreatedWithoutName(t *testing.T) {
	api := &fakeStoreAPI{createFn: func(string) (llm.Store, error) { return llm.Store{}, nil }}
	cache := New(api, Config{})

	_, err := cache.Resolve(context.Background())
	assert.ErrorContains(t, err, "missing a name")
}

func TestResolve_CancelledCallerDoesNotFailOthers(t *testing.T) {
	api := &fakeStoreAPI{gate: make(chan struct{})}
	cache := New(api, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancelledErr := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(ctx)
		cancelledErr <- err
	}()
	require.Eventually(t, func() bool { return api.lists.Load() == 1 }, time.Second, time.Millisecond)

	patient := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(context.Background())
		patient <- err
	}()

	cancel()
	assert.ErrorIs(t, <-cancelledErr, context.Canceled)

	close(api.gate)
	assert.NoError(t, <-patient)
	_, ok := cache.Cached()
	assert.True(t, ok)
}

func TestResolve_FlightTimeout(t *testing.T) {
	api := &fakeStoreAPI{gate: make(chan struct{})}
	cache := New(api, Config{Timeout: 20 * time.Millisecond})

	_, err := cache.Resolve(context.Background())

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReset(t *testing.T) {
	api := &fakeStoreAPI{}
	cache := New(api, Config{})

	_, err := cache.Resolve(context.Background())
	require.NoError(t, err)

	cache.Reset()
	_, ok := cache.Cached()
	assert.False(t, ok)

	_, err = cache.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), api.lists.Load())
}

func TestReset_DuringFlightDiscardsResult(t *testing.T) {
	api := &fakeStoreAPI{gate: make(chan struct{})}
	cache := New(api, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cache.Resolve(context.Background())
	}()
	require.Eventually(t, func() bool { return api.lists.Load() == 1 }, time.Second, time.Millisecond)

	cache.Reset()
	close(api.gate)
	<-done

	_, ok := cache.Cached()
	assert.False(t, ok)
}

func TestNew_PanicsOnNilAPI(t *testing.T) {
	assert.Panics(t, func() { New(nil, Config{}) })
}
