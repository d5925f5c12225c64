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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lexgate/pkg/ux"
)

func (c *cli) runDocumentsList(cmd *cobra.Command, _ []string) error {
	index, err := c.openIndex()
	if err != nil {
		return err
	}
	defer index.Close()

	docs, err := index.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ux.Title(out, "Indexed Documents")
	rows := make([][]string, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, []string{
			d.ID,
			d.DisplayName,
			time.Time(d.UploadDate).UTC().Format(time.DateTime),
		})
	}
	ux.Table(out, []string{"ID", "Display Name", "Uploaded (UTC)"}, rows)
	return nil
}

// The upstream document is left in place; only the local record goes.
func (c *cli) runDocumentsRemove(cmd *cobra.Command, args []string) error {
	index, err := c.openIndex()
	if err != nil {
		return err
	}
	defer index.Close()

	out := cmd.OutOrStdout()
	if err := index.Remove(args[0]); err != nil {
		ux.Error(out, "%v", err)
		return err
	}
	ux.Success(out, "Removed %s from the index.", args[0])
	return nil
}
