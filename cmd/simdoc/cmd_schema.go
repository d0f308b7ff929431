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
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
)

// runSchema prints the expected class definitions, or ensures them in
// Weaviate with --ensure.
func runSchema(cmd *cobra.Command, args []string) {
	if schemaEnsure {
		gw, err := newWeaviateGateway()
		if err != nil {
			log.Fatalf("Failed to connect to Weaviate: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := gw.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure schema: %v", err)
		}
		fmt.Printf("Schema ensured: classes %s and %s are present.\n",
			datatypes.ArticleClassName, datatypes.ClusterClassName)
		return
	}

	classes := []interface{}{
		datatypes.GetArticleSchema(),
		datatypes.GetClusterSchema(),
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(classes); err != nil {
		log.Fatalf("Failed to encode schema: %v", err)
	}
}
