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
	"runtime"

	"github.com/spf13/cobra"
)

// cliVersion is overridden at release time:
//
//	go build -ldflags "-X main.cliVersion=1.4.0" ./cmd/simdoc
var cliVersion = "0.4.0"

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("simdoc %s (%s %s/%s)\n", cliVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
