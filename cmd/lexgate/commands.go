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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lexgate/pkg/logging"
	"github.com/AleutianAI/lexgate/services/gateway/config"
	"github.com/AleutianAI/lexgate/services/ingest"
	"github.com/AleutianAI/lexgate/services/llm"
)

// cli holds state shared by every subcommand of one invocation.
type cli struct {
	configPath string

	cfg    config.Config
	logger *logging.Logger
}

// close releases what setup opened. cobra skips PersistentPostRun when
// RunE fails, so main calls this after Execute on every path.
func (c *cli) close() {
	if c.logger != nil {
		_ = c.logger.Close()
		c.logger = nil
	}
}

func (c *cli) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lexgate",
		Short: "Chat gateway for the Nigerian tax law knowledge base",
		Long: `lexgate relays browser chat requests to Gemini File Search, restricted
to a single knowledge base store, and manages the documents in that store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "",
		"optional YAML config file; environment variables override it")

	// --- Gateway ---
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat gateway",
		Args:  cobra.NoArgs,
		RunE:  c.runServe, // Defined in cmd_serve.go
	}

	// --- Store administration ---
	storeCmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect or reset the knowledge base store",
	}
	storeShowCmd := &cobra.Command{
		Use:   "show",
		Short: "List file search stores and mark the knowledge base",
		Args:  cobra.NoArgs,
		RunE:  c.runStoreShow, // Defined in cmd_store.go
	}
	storeResetCmd := &cobra.Command{
		Use:   "reset",
		Short: "DANGER: Delete the knowledge base store and all its documents",
		Args:  cobra.NoArgs,
		RunE:  c.runStoreReset, // Defined in cmd_store.go
	}
	storeResetCmd.Flags().Bool("yes", false, "skip the confirmation prompt")
	storeCmd.AddCommand(storeShowCmd, storeResetCmd)

	// --- Documents ---
	ingestCmd := &cobra.Command{
		Use:   "ingest [dir | gs://bucket/prefix]",
		Short: "Upload PDFs that are not yet in the knowledge base",
		Args:  cobra.MaximumNArgs(1),
		RunE:  c.runIngest, // Defined in cmd_ingest.go
	}
	ingestCmd.Flags().Bool("watch", false, "keep running and ingest new PDFs as they appear (local directories only)")
	ingestCmd.Flags().String("credentials", "", "service account key file for gs:// sources")

	documentsCmd := &cobra.Command{
		Use:   "documents",
		Short: "Manage the local document index",
	}
	documentsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed documents",
		Args:  cobra.NoArgs,
		RunE:  c.runDocumentsList, // Defined in cmd_documents.go
	}
	documentsRemoveCmd := &cobra.Command{
		Use:   "remove [id]",
		Short: "Remove a document from the index",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runDocumentsRemove, // Defined in cmd_documents.go
	}
	documentsCmd.AddCommand(documentsListCmd, documentsRemoveCmd)

	rootCmd.AddCommand(serveCmd, storeCmd, ingestCmd, documentsCmd)
	return rootCmd
}

// setup loads configuration and builds the logger.
func (c *cli) setup(cmd *cobra.Command) error {
	// Config warnings go to stderr before the configured logger exists.
	boot := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	cfg, err := config.Loader{Logger: boot}.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		level = logging.LevelInfo
	}
	c.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.LogDir,
		Service: "lexgate",
		Output:  cmd.ErrOrStderr(),
	})
	slog.SetDefault(c.logger.Slog())
	return nil
}

func (c *cli) newClient() *llm.GeminiClient {
	return llm.NewGeminiClient(llm.GeminiConfig{
		BaseURL: c.cfg.GeminiBaseURL,
		Model:   c.cfg.GeminiModel,
	}, c.cfg.GeminiAPIKey)
}

func (c *cli) openIndex() (*ingest.DocumentIndex, error) {
	index, err := ingest.OpenIndex(ingest.IndexConfig{
		Path:   c.cfg.DocumentIndexPath,
		Logger: c.logger.Slog(),
	})
	if err != nil {
		return nil, fmt.Errorf("opening document index at %s: %w", c.cfg.DocumentIndexPath, err)
	}
	return index, nil
}
