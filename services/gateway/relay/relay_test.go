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
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lexgate/services/gateway/datatypes"
	"github.com/AleutianAI/lexgate/services/llm"
)

// =============================================================================
// Test doubles
// =============================================================================

// scriptedClient replays chunks through FragmentText, the same adapter the
// real client uses, then returns err.
type scriptedClient struct {
	chunks []any
	err    error
	// onEvent runs after each delivered event, before the next one.
	onEvent func(i int)
	got     llm.GenerateRequest
}

func (s *scriptedClient) StreamGenerate(_ context.Context, req llm.GenerateRequest, cb llm.StreamCallback) error {
	s.got = req
	for i, c := range s.chunks {
		text := llm.FragmentText(c)
		if text == "" {
			continue
		}
		if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: text}); err != nil {
			return err
		}
		if s.onEvent != nil {
			s.onEvent(i)
		}
	}
	return s.err
}

type accessor struct{ s string }

func (a accessor) Text() string { return a.s }

func conversation(msgs ...datatypes.ChatMessage) datatypes.ConversationRequest {
	return datatypes.ConversationRequest{Messages: msgs}
}

var kb = datatypes.StoreHandle{Name: "fileSearchStores/kb", DisplayName: datatypes.KnowledgeBaseDisplayName}

func newRecorderWriter(t *testing.T) (*httptest.ResponseRecorder, *Writer) {
	t.Helper()
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)
	return rec, w
}

// =============================================================================
// Stream Tests
// =============================================================================

func TestStream_ForwardsFragmentsInOrderAsTheyArrive(t *testing.T) {
	rec, w := newRecorderWriter(t)
	fragments := []string{"Under ", "section 9 ", "of CITA, ", "the rate is 30%."}
	client := &scriptedClient{}
	for _, f := range fragments {
		client.chunks = append(client.chunks, map[string]any{"text": f})
	}

	var seen []string
	client.onEvent = func(i int) {
		// Each fragment is visible to the client before the next is produced.
		seen = append(seen, rec.Body.String())
	}

	err := New(client, "").Stream(context.Background(), conversation(datatypes.ChatMessage{Role: "user", Content: "CIT rate?"}), kb, w)

	require.NoError(t, err)
	assert.Equal(t, []string{
		"Under ",
		"Under section 9 ",
		"Under section 9 of CITA, ",
		"Under section 9 of CITA, the rate is 30%.",
	}, seen)
	res := rec.Result()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))
	assert.Equal(t, StatusComplete, res.Trailer.Get(StatusTrailer))
	assert.Equal(t, 4, w.Stats().Fragments)
}

func TestStream_FieldAndAccessorFragmentsProduceSameOutput(t *testing.T) {
	parts := []string{"Stamp ", "duties ", "apply."}

	run := func(chunks []any) string {
		rec, w := newRecorderWriter(t)
		err := New(&scriptedClient{chunks: chunks}, "").Stream(context.Background(),
			conversation(datatypes.ChatMessage{Role: "user", Content: "q"}), kb, w)
		require.NoError(t, err)
		return rec.Body.String()
	}

	var asField, asFunc, asMethod []any
	for _, p := range parts {
		asField = append(asField, map[string]any{"text": p})
		asFunc = append(asFunc, map[string]any{"text": func() string { return p }})
		asMethod = append(asMethod, accessor{s: p})
	}

	field := run(asField)
	assert.Equal(t, "Stamp duties apply.", field)
	assert.Equal(t, field, run(asFunc))
	assert.Equal(t, field, run(asMethod))
}

func TestStream_NoDedupOrCoalescing(t *testing.T) {
	rec, w := newRecorderWriter(t)
	client := &scriptedClient{chunks: []any{"a", "a", "", "b"}}

	require.NoError(t, New(client, "").Stream(context.Background(),
		conversation(datatypes.ChatMessage{Role: "user", Content: "q"}), kb, w))

	assert.Equal(t, "aab", rec.Body.String())
	assert.Equal(t, 3, w.Stats().Fragments)
}

func TestStream_MidStreamErrorLeavesNoTrailer(t *testing.T) {
	rec, w := newRecorderWriter(t)
	upstream := errors.New("connection reset by peer")
	client := &scriptedClient{chunks: []any{"partial "}, err: upstream}

	err := New(client, "").Stream(context.Background(), conversation(datatypes.ChatMessage{Role: "user", Content: "q"}), kb, w)

	assert.ErrorIs(t, err, upstream)
	assert.True(t, w.Started())
	assert.Equal(t, "partial ", rec.Body.String(), "no error text is injected")
	assert.Empty(t, rec.Result().Trailer.Get(StatusTrailer))
}

func TestStream_ErrorBeforeFirstFragmentCommitsNothing(t *testing.T) {
	rec, w := newRecorderWriter(t)
	client := &scriptedClient{err: errors.New("429")}

	err := New(client, "").Stream(context.Background(), conversation(datatypes.ChatMessage{Role: "user", Content: "q"}), kb, w)

	assert.Error(t, err)
	assert.False(t, w.Started())
	assert.Empty(t, rec.Body.String())
	assert.False(t, rec.Flushed)
}

func TestStream_CancelledContextStopsWrites(t *testing.T) {
	rec, w := newRecorderWriter(t)
	ctx, cancel := context.WithCancel(context.Background())
	client := &scriptedClient{chunks: []any{"one ", "two ", "three"}}
	client.onEvent = func(i int) {
		if i == 0 {
			cancel()
		}
	}

	err := New(client, "").Stream(ctx, conversation(datatypes.ChatMessage{Role: "user", Content: "q"}), kb, w)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "one ", rec.Body.String())
}

func TestStream_EmptyUpstreamStillCompletes(t *testing.T) {
	rec, w := newRecorderWriter(t)

	require.NoError(t, New(&scriptedClient{}, "").Stream(context.Background(),
		conversation(datatypes.ChatMessage{Role: "user", Content: "q"}), kb, w))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, StatusComplete, rec.Result().Trailer.Get(StatusTrailer))
}

// =============================================================================
// Request mapping
// =============================================================================

func TestBuildGenerateRequest(t *testing.T) {
	req := conversation(
		datatypes.ChatMessage{Role: "user", Content: "What is PAYE?"},
		datatypes.ChatMessage{Role: "model", Content: "Pay As You Earn."},
		datatypes.ChatMessage{Role: "model", Content: "Anything else?"},
		datatypes.ChatMessage{Role: "user", Content: "Who remits it?"},
	)

	got := BuildGenerateRequest(req, kb, SystemInstruction)

	require.Len(t, got.Contents, 4)
	assert.Equal(t, "user", got.Contents[0].Role)
	assert.Equal(t, "model", got.Contents[1].Role)
	assert.Equal(t, "model", got.Contents[2].Role)
	assert.Equal(t, llm.Content{Role: "user", Parts: []llm.Part{{Text: "Who remits it?"}}}, got.Contents[3])
	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, SystemInstruction, got.SystemInstruction.Parts[0].Text)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, []string{"fileSearchStores/kb"}, got.Tools[0].FileSearch.FileSearchStoreNames)
}

func TestBuildGenerateRequest_LastMessageAlwaysUser(t *testing.T) {
	got := BuildGenerateRequest(conversation(datatypes.ChatMessage{Role: "model", Content: "continue"}), kb, "")

	require.Len(t, got.Contents, 1)
	assert.Equal(t, "user", got.Contents[0].Role)
	assert.Nil(t, got.SystemInstruction)
}

// =============================================================================
// Writer Tests
// =============================================================================

type noFlush struct{ http.ResponseWriter }

func TestNewWriter_RequiresFlusher(t *testing.T) {
	_, err := NewWriter(noFlush{httptest.NewRecorder()})
	assert.Error(t, err)
}

func TestWriter_CloseOnceAndWriteAfterClose(t *testing.T) {
	rec, w := newRecorderWriter(t)

	require.NoError(t, w.WriteFragment("x"))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.WriteFragment("y"), ErrWriterClosed)
	assert.Equal(t, "x", rec.Body.String())
}

func TestWriter_NothingCommittedBeforeFirstFragment(t *testing.T) {
	rec, w := newRecorderWriter(t)

	require.NoError(t, w.WriteFragment(""))

	assert.False(t, w.Started())
	assert.False(t, rec.Flushed)
}

func TestNew_PanicsOnNilClient(t *testing.T) {
	assert.Panics(t, func() { New(nil, "") })
}
