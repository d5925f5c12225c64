// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay forwards upstream generation output to the client as it
// arrives.
package relay

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/lexgate/services/gateway/datatypes"
	"github.com/AleutianAI/lexgate/services/llm"
)

// Relay drives one streaming generation call per request.
type Relay struct {
	client      llm.StreamingClient
	instruction string
	tracer      trace.Tracer
}

// New creates a Relay. An empty instruction uses SystemInstruction.
func New(client llm.StreamingClient, instruction string) *Relay {
	if client == nil {
		panic("relay.New: client must not be nil")
	}
	if instruction == "" {
		instruction = SystemInstruction
	}
	return &Relay{
		client:      client,
		instruction: instruction,
		tracer:      otel.Tracer("lexgate.gateway.relay"),
	}
}

// BuildGenerateRequest maps a conversation onto the upstream request.
//
// History turns keep role "model" and everything else becomes "user". The
// last message is always sent as a user turn. The file-search tool is
// scoped to store alone.
func BuildGenerateRequest(req datatypes.ConversationRequest, store datatypes.StoreHandle, instruction string) llm.GenerateRequest {
	history := req.History()
	contents := make([]llm.Content, 0, len(history)+1)
	for _, m := range history {
		role := datatypes.RoleUser
		if m.Role == datatypes.RoleModel {
			role = datatypes.RoleModel
		}
		contents = append(contents, llm.Content{Role: role, Parts: []llm.Part{{Text: m.Content}}})
	}
	contents = append(contents, llm.Content{
		Role:  datatypes.RoleUser,
		Parts: []llm.Part{{Text: req.Latest().Content}},
	})

	out := llm.GenerateRequest{
		Contents: contents,
		Tools: []llm.Tool{{
			FileSearch: &llm.FileSearch{FileSearchStoreNames: []string{store.Name}},
		}},
	}
	if instruction != "" {
		out.SystemInstruction = &llm.Content{Parts: []llm.Part{{Text: instruction}}}
	}
	return out
}

// Stream runs the generation call and writes each fragment to out in order.
//
// # Description
//
// Before the first fragment nothing has been committed, so an error from
// Stream with out.Started() == false can still become a JSON error reply.
// After that the caller must abort the connection instead.
//
// On a normal end of the upstream sequence out is closed, which sets the
// completion trailer. On any error out is left open so the trailer is
// never sent.
//
// # Inputs
//
//   - ctx: request context. Its cancellation stops writes and releases the
//     upstream response body.
//   - req: validated conversation.
//   - store: resolved store handle.
//   - out: the client writer.
func (r *Relay) Stream(ctx context.Context, req datatypes.ConversationRequest, store datatypes.StoreHandle, out *Writer) error {
	ctx, span := r.tracer.Start(ctx, "relay.Stream")
	defer span.End()
	span.SetAttributes(
		attribute.Int("relay.history_turns", len(req.History())),
		attribute.String("relay.store", store.Name),
	)

	genReq := BuildGenerateRequest(req, store, r.instruction)
	err := r.client.StreamGenerate(ctx, genReq, func(ev llm.StreamEvent) error {
		// The client may have gone between fragments.
		if err := ctx.Err(); err != nil {
			return err
		}
		if ev.Type != llm.StreamEventToken {
			return nil
		}
		return out.WriteFragment(ev.Content)
	})

	stats := out.Stats()
	span.SetAttributes(attribute.Int("relay.fragments", stats.Fragments), attribute.Int("relay.bytes", stats.Bytes))

	if err != nil {
		span.RecordError(err)
		return err
	}
	return out.Close()
}
