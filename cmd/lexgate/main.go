// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command lexgate runs the tax-law chat gateway and administers its
// knowledge base.
package main

import (
	"os"

	"github.com/awnumar/memguard"
)

func main() {
	// memguard.CatchInterrupt is not used: it exits on SIGINT, which would
	// skip the gateway's graceful shutdown. Purge on every exit path instead.
	c := &cli{}
	err := c.rootCmd().Execute()
	c.close()
	memguard.Purge()
	if err != nil {
		os.Exit(1)
	}
}
