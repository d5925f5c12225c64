// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest loads the legal corpus into the knowledge base store.
//
//	Source (dir or gs://)
//	   │  *.pdf
//	   ▼
//	FormatDisplayName ── already in DocumentIndex? ─► skip
//	   │
//	   ▼
//	UploadToStore ─► GetOperation every PollInterval until done
//	   │
//	   ▼
//	DocumentIndex.Add
//
// A failed file is logged and skipped; the run continues with the next one.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/go-openapi/strfmt"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/lexgate/services/gateway/datatypes"
	"github.com/AleutianAI/lexgate/services/llm"
)

// DefaultPollInterval paces upload operation polling.
const DefaultPollInterval = 2 * time.Second

// StoreResolver yields the store uploads go into.
type StoreResolver interface {
	Resolve(ctx context.Context) (datatypes.StoreHandle, error)
}

// Config configures an Ingester.
type Config struct {
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Report summarizes one run.
type Report struct {
	Uploaded []StoredDocument
	Skipped  []string
	Failed   map[string]error
}

// Ingester uploads documents and records them in the index.
type Ingester struct {
	client llm.UploadClient
	stores StoreResolver
	index  *DocumentIndex
	config Config
}

// New creates an Ingester.
func New(client llm.UploadClient, stores StoreResolver, index *DocumentIndex, config Config) *Ingester {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Ingester{client: client, stores: stores, index: index, config: config}
}

// FormatDisplayName derives a document title from a file name: the
// extension is dropped, hyphens and underscores become spaces, and the
// first letter of every word is upper-cased. Other letters keep their case.
//
//	"finance-act_2023.pdf"  → "Finance Act 2023"
//	"CITA (amended).pdf"    → "CITA (Amended)"
func FormatDisplayName(fileName string) string {
	name := strings.TrimSuffix(path.Base(fileName), path.Ext(fileName))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)

	var b strings.Builder
	prevWord := false
	for _, r := range name {
		if !prevWord {
			r = unicode.ToUpper(r)
		}
		b.WriteRune(r)
		prevWord = unicode.IsLetter(r) || unicode.IsDigit(r)
	}
	return b.String()
}

// Run ingests every PDF in src that is not yet indexed.
//
// The returned error is non-nil only when the source cannot be listed;
// per-file failures are collected in the Report.
func (g *Ingester) Run(ctx context.Context, src Source) (Report, error) {
	report := Report{Failed: map[string]error{}}

	files, err := src.List(ctx)
	if err != nil {
		return report, err
	}
	if len(files) == 0 {
		g.config.Logger.Info("No PDF files found", "source", src.String())
		return report, nil
	}
	g.config.Logger.Info("Starting ingest", "source", src.String(), "files", len(files))

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		doc, skipped, err := g.IngestFile(ctx, src, f)
		switch {
		case err != nil:
			g.config.Logger.Error("Failed to ingest document", "file", f.Name, "error", err)
			report.Failed[f.Name] = err
		case skipped:
			report.Skipped = append(report.Skipped, f.Name)
		default:
			report.Uploaded = append(report.Uploaded, doc)
		}
	}

	g.config.Logger.Info("Ingest complete",
		"uploaded", len(report.Uploaded),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed))
	return report, nil
}

// IngestFile uploads one file unless a document with the same display name
// is already indexed.
func (g *Ingester) IngestFile(ctx context.Context, src Source, f SourceFile) (StoredDocument, bool, error) {
	displayName := FormatDisplayName(f.Name)
	logger := g.config.Logger.With("file", f.Name, "displayName", displayName)

	exists, err := g.index.HasDisplayName(displayName)
	if err != nil {
		return StoredDocument{}, false, fmt.Errorf("checking index: %w", err)
	}
	if exists {
		logger.Info("Skipping document already in index")
		return StoredDocument{}, true, nil
	}

	store, err := g.stores.Resolve(ctx)
	if err != nil {
		return StoredDocument{}, false, err
	}

	rc, err := src.Open(ctx, f)
	if err != nil {
		return StoredDocument{}, false, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return StoredDocument{}, false, fmt.Errorf("reading %s: %w", f.Name, err)
	}

	logger.Info("Uploading document", "bytes", len(data), "store", store.Name)
	op, err := g.client.UploadToStore(ctx, store.Name, llm.UploadRequest{
		DisplayName: displayName,
		MimeType:    PDFMimeType,
		Data:        data,
	})
	if err != nil {
		return StoredDocument{}, false, fmt.Errorf("uploading %s: %w", f.Name, err)
	}

	op, err = g.wait(ctx, op)
	if err != nil {
		return StoredDocument{}, false, fmt.Errorf("waiting for upload of %s: %w", f.Name, err)
	}

	doc := StoredDocument{
		ID:          op.Name,
		DisplayName: displayName,
		MimeType:    PDFMimeType,
		UploadDate:  strfmt.DateTime(g.config.Now().UTC()),
	}
	if r := op.Response; r != nil {
		if r.DocumentName != "" {
			doc.ID = r.DocumentName
		} else if r.Name != "" {
			doc.ID = r.Name
		}
		doc.URI = r.URI
	}
	if err := g.index.Add(doc); err != nil {
		return StoredDocument{}, false, fmt.Errorf("recording %s: %w", f.Name, err)
	}
	logger.Info("Uploaded and indexed document", "id", doc.ID)
	return doc, false, nil
}

// wait polls op until it is done. One poll per PollInterval.
func (g *Ingester) wait(ctx context.Context, op llm.Operation) (llm.Operation, error) {
	pacer := rate.NewLimiter(rate.Every(g.config.PollInterval), 1)
	// The first token is spent so the first poll waits a full interval.
	pacer.Allow()

	for !op.Done {
		if err := pacer.Wait(ctx); err != nil {
			return op, err
		}
		next, err := g.client.GetOperation(ctx, op.Name)
		if err != nil {
			return op, err
		}
		op = next
	}
	if op.Error != nil {
		return op, op.Error
	}
	return op, nil
}
