// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/api/option"

	"github.com/AleutianAI/lexgate/pkg/ux"
	"github.com/AleutianAI/lexgate/services/gateway/storecache"
	"github.com/AleutianAI/lexgate/services/ingest"
)

// defaultDocumentsDir is read when ingest gets no argument.
const defaultDocumentsDir = "data/documents"

func (c *cli) runIngest(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	watch, _ := cmd.Flags().GetBool("watch")
	credentials, _ := cmd.Flags().GetString("credentials")

	target := defaultDocumentsDir
	if len(args) == 1 {
		target = args[0]
	}

	var opts []option.ClientOption
	if credentials != "" {
		if _, err := os.Stat(credentials); err != nil {
			return fmt.Errorf("service account key not found at %s: %w", credentials, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentials))
	}

	src, err := ingest.OpenSource(cmd.Context(), target, opts...)
	if err != nil {
		return err
	}
	if closer, ok := src.(io.Closer); ok {
		defer closer.Close()
	}
	local, isLocal := src.(*ingest.LocalSource)
	if watch && !isLocal {
		return errors.New("--watch only supports local directories")
	}

	index, err := c.openIndex()
	if err != nil {
		return err
	}
	defer index.Close()

	client := c.newClient()
	stores := storecache.New(client, storecache.Config{Timeout: c.cfg.StoreResolveTimeout})
	ingester := ingest.New(client, stores, index, ingest.Config{Logger: c.logger.Slog()})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := ingester.Run(ctx, src)
	if err != nil {
		ux.Error(out, "Ingest failed: %v", err)
		return err
	}
	printReport(out, report)

	if watch {
		ux.KeyValue(out, "Watching", local.Dir+" (Ctrl-C to stop)")
		return ingester.Watch(ctx, local, ingest.DefaultWatchDebounce)
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d document(s) failed to ingest", len(report.Failed))
	}
	return nil
}

func printReport(out io.Writer, report ingest.Report) {
	ux.Title(out, "Ingest Summary")
	ux.KeyValue(out, "Uploaded", fmt.Sprint(len(report.Uploaded)))
	ux.KeyValue(out, "Skipped", fmt.Sprint(len(report.Skipped)))
	ux.KeyValue(out, "Failed", fmt.Sprint(len(report.Failed)))

	if len(report.Failed) == 0 {
		return
	}
	files := make([]string, 0, len(report.Failed))
	for f := range report.Failed {
		files = append(files, f)
	}
	sort.Strings(files)
	rows := make([][]string, 0, len(files))
	for _, f := range files {
		rows = append(rows, []string{f, report.Failed[f].Error()})
	}
	ux.Table(out, []string{"File", "Error"}, rows)
}
