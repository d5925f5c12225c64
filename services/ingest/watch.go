// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is how long a new file must stay quiet before it is
// uploaded. Copies of large PDFs arrive as a create followed by many writes.
const DefaultWatchDebounce = time.Second

// Watch ingests PDFs created or rewritten in src.Dir until ctx is done.
//
// Events are batched: a path is ingested once no event has touched any
// pending path for debounce. Files already indexed are skipped by
// IngestFile as usual.
func (g *Ingester) Watch(ctx context.Context, src *LocalSource, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(src.Dir); err != nil {
		return fmt.Errorf("watching %s: %w", src.Dir, err)
	}
	g.config.Logger.Info("Watching for new documents", "dir", src.Dir)

	pending := map[string]struct{}{}
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		clear(pending)

		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil || info.IsDir() {
				continue
			}
			f := SourceFile{Name: filepath.Base(p), Path: p, Size: info.Size()}
			if _, _, err := g.IngestFile(ctx, src, f); err != nil {
				g.config.Logger.Error("Failed to ingest document", "file", f.Name, "error", err)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !IsPDF(event.Name) || !(event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
				continue
			}
			pending[event.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case <-timerC:
			timer, timerC = nil, nil
			flush()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.config.Logger.Warn("File watcher error", "error", err)
		}
	}
}
