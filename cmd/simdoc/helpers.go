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
	"net/url"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/SimDoc/cmd/simdoc/config"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
)

// getServerBaseURL resolves the similarity service URL: flag, then config,
// then the default port on localhost.
func getServerBaseURL() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	if config.Global.Server.URL != "" {
		return strings.TrimRight(config.Global.Server.URL, "/")
	}
	return "http://localhost:12220"
}

// getWeaviateURL resolves the document store URL: flag, then config.
func getWeaviateURL() string {
	if weaviateURL != "" {
		return weaviateURL
	}
	return config.Global.Weaviate.URL
}

// newWeaviateGateway connects the CLI straight to the document store for
// the schema and backup commands, bypassing the service.
func newWeaviateGateway() (*index.WeaviateGateway, error) {
	rawURL := strings.Trim(getWeaviateURL(), "\"' ")
	if rawURL == "" {
		return nil, fmt.Errorf("no Weaviate URL configured; set weaviate.url in ~/.simdoc/simdoc.yaml or pass --weaviate")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", rawURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	return index.NewWeaviateGateway(client), nil
}
