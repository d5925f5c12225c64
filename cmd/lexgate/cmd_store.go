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
	"os"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/lexgate/pkg/ux"
	"github.com/AleutianAI/lexgate/services/gateway/datatypes"
	"github.com/AleutianAI/lexgate/services/llm"
)

// errNotConfirmed is returned when a destructive command is declined or
// cannot be confirmed.
var errNotConfirmed = errors.New("not confirmed")

// confirmFunc asks the operator a yes/no question. Replaced in tests.
var confirmFunc = confirmInteractive

func confirmInteractive(title, description string) (bool, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return false, fmt.Errorf("%w: stdin is not a terminal; pass --yes to proceed", errNotConfirmed)
	}
	var ok bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Delete").
			Negative("Cancel").
			Value(&ok),
	))
	if err := form.Run(); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *cli) runStoreShow(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	stores, err := c.newClient().ListStores(cmd.Context())
	if err != nil {
		ux.Error(out, "Failed to list stores: %v", err)
		return err
	}

	ux.Title(out, "File Search Stores")
	rows := make([][]string, 0, len(stores))
	found := false
	for _, s := range stores {
		marker := ""
		if s.DisplayName == datatypes.KnowledgeBaseDisplayName && !found {
			marker = "active"
			found = true
		}
		rows = append(rows, []string{s.Name, s.DisplayName, marker})
	}
	ux.Table(out, []string{"Name", "Display Name", "Knowledge Base"}, rows)

	if !found {
		ux.Warning(out, "No store named %q yet; it is created on the first chat request or ingest.",
			datatypes.KnowledgeBaseDisplayName)
	}
	return nil
}

func (c *cli) runStoreReset(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	yes, _ := cmd.Flags().GetBool("yes")
	client := c.newClient()

	ux.KeyValue(out, "Looking for store", datatypes.KnowledgeBaseDisplayName)
	store, err := findKnowledgeBase(cmd, client)
	if err != nil {
		ux.Error(out, "Failed to list stores: %v", err)
		return err
	}
	if store.Name == "" {
		ux.Warning(out, "No matching file search store found. Nothing to delete.")
		return nil
	}

	if !yes {
		ok, err := confirmFunc(
			fmt.Sprintf("Delete %s?", store.Name),
			"Every document in the knowledge base is deleted with it. This cannot be undone.")
		if err != nil {
			return err
		}
		if !ok {
			ux.Warning(out, "Aborted.")
			return errNotConfirmed
		}
	}

	ux.KeyValue(out, "Deleting", store.Name+" (force=true)")
	if err := client.DeleteStore(cmd.Context(), store.Name, true); err != nil {
		ux.Error(out, "Failed to delete store: %v", err)
		return err
	}

	index, err := c.openIndex()
	if err != nil {
		return err
	}
	defer index.Close()
	if err := index.Clear(); err != nil {
		return fmt.Errorf("clearing document index: %w", err)
	}

	ux.Success(out, "Store deleted and document index cleared.")
	fmt.Fprintln(out, "Re-seed with `lexgate ingest`, and send SIGHUP to a running gateway.")
	return nil
}

// findKnowledgeBase returns the first store with the knowledge base display
// name, or a zero Store.
func findKnowledgeBase(cmd *cobra.Command, client llm.StoreClient) (llm.Store, error) {
	stores, err := client.ListStores(cmd.Context())
	if err != nil {
		return llm.Store{}, err
	}
	for _, s := range stores {
		if s.DisplayName == datatypes.KnowledgeBaseDisplayName && s.Name != "" {
			return s, nil
		}
	}
	return llm.Store{}, nil
}
