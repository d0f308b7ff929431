// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
)

// =============================================================================
// Domain -> Property Conversion
// =============================================================================

// articleProps flattens an article and its fingerprint into the stored
// property shape. The 64-bit SimHash and the 128-slot MinHash signature are
// stored as hex text because GraphQL numbers round-trip through float64.
func articleProps(art *datatypes.Article, fp *fingerprint.Fingerprint) *datatypes.ArticleProperties {
	tagIDs, tagNames := splitTags(art.Tags)
	topicIDs, topicNames := splitTopics(art.Topics)

	status := art.ClusterStatus
	if status == "" {
		status = datatypes.ClusterPending
	}
	var score float64
	if art.SimilarityScore != nil {
		score = *art.SimilarityScore
	}

	return &datatypes.ArticleProperties{
		ArticleID:       art.ArticleID,
		Title:           art.Title,
		Content:         art.Content,
		Source:          art.Source,
		PublishTime:     art.PublishTime.UnixMilli(),
		Top:             art.Top,
		TagIDs:          tagIDs,
		TagNames:        tagNames,
		TopicIDs:        topicIDs,
		TopicNames:      topicNames,
		SimHashHex:      fmt.Sprintf("%016x", fp.SimHash),
		SimHashChunks:   fingerprint.SimHashChunks(fp.SimHash),
		LSHBands:        fp.Bands,
		MinHashHex:      fingerprint.EncodeSignature(fp.MinHash),
		ClusterID:       art.ClusterID,
		ClusterStatus:   string(status),
		SimilarityScore: score,
		State:           int(art.State),
		IngestedAt:      art.CreatedAt.UnixMilli(),
		UpdatedAt:       art.UpdatedAt.UnixMilli(),
		Version:         1,
	}
}

func clusterProps(cl *datatypes.Cluster) *datatypes.ClusterProperties {
	words := make([]string, 0, len(cl.TopTerms))
	weights := make([]float64, 0, len(cl.TopTerms))
	for _, t := range cl.TopTerms {
		words = append(words, t.Term)
		weights = append(weights, t.Weight)
	}

	return &datatypes.ClusterProperties{
		ClusterID:               cl.ClusterID,
		ArticleIDs:              cl.ArticleIDs,
		Size:                    cl.Size,
		RepresentativeArticleID: cl.RepresentativeArticleID,
		RepresentativeScore:     cl.RepresentativeScore,
		CentroidMinHashHex:      fingerprint.EncodeSignature(cl.CentroidMinHash),
		TopTermWords:            words,
		TopTermWeights:          weights,
		LastUpdated:             cl.LastUpdated.UnixMilli(),
		Version:                 cl.Version,
	}
}

// splitTags turns the nested tag objects into the parallel id/name arrays
// the schema stores. Nested objects would force Weaviate cross-references;
// parallel arrays keep tag filtering a flat ContainsAny.
func splitTags(tags []datatypes.Tag) ([]int, []string) {
	ids := make([]int, 0, len(tags))
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		ids = append(ids, t.ID)
		names = append(names, t.Name)
	}
	return ids, names
}

func splitTopics(topics []datatypes.Topic) ([]string, []string) {
	ids := make([]string, 0, len(topics))
	names := make([]string, 0, len(topics))
	for _, t := range topics {
		ids = append(ids, t.ID)
		names = append(names, t.Name)
	}
	return ids, names
}

// =============================================================================
// Result -> Domain Conversion
// =============================================================================

func articleFromResult(r datatypes.ArticleResult) *datatypes.Article {
	art := &datatypes.Article{
		ArticleID:     r.ArticleID,
		Title:         r.Title,
		Content:       r.Content,
		Source:        r.Source,
		PublishTime:   time.UnixMilli(int64(r.PublishTime)),
		State:         datatypes.StateVisible,
		Tags:          zipTags(r.TagIDs, r.TagNames),
		Topics:        zipTopics(r.TopicIDs, r.TopicNames),
		ClusterID:     r.ClusterID,
		ClusterStatus: datatypes.ClusterStatus(r.ClusterStatus),
		CreatedAt:     time.UnixMilli(int64(r.IngestedAt)),
		UpdatedAt:     time.UnixMilli(int64(r.UpdatedAt)),
	}
	if r.Top != nil {
		art.Top = *r.Top
	}
	if r.State != nil {
		art.State = datatypes.ArticleState(*r.State)
	}
	if art.ClusterStatus == "" {
		art.ClusterStatus = datatypes.ClusterPending
	}
	// The stored score only carries meaning after a matched decision.
	if art.ClusterStatus == datatypes.ClusterMatched {
		score := r.SimilarityScore
		art.SimilarityScore = &score
	}
	return art
}

func candidateFromResult(r datatypes.ArticleResult) (CandidateRecord, error) {
	simhash, err := strconv.ParseUint(r.SimHashHex, 16, 64)
	if err != nil {
		return CandidateRecord{}, fmt.Errorf("parse simhash_hex %q: %w", r.SimHashHex, err)
	}
	state := datatypes.StateVisible
	if r.State != nil {
		state = datatypes.ArticleState(*r.State)
	}
	status := datatypes.ClusterStatus(r.ClusterStatus)
	if status == "" {
		status = datatypes.ClusterPending
	}
	return CandidateRecord{
		ArticleID:     r.ArticleID,
		ClusterID:     r.ClusterID,
		ClusterStatus: status,
		State:         state,
		SimHash:       simhash,
		LSHBands:      r.LSHBands,
	}, nil
}

func clusterFromResult(r datatypes.ClusterResult) (*datatypes.Cluster, error) {
	centroid, err := fingerprint.DecodeSignature(r.CentroidMinHashHex)
	if err != nil {
		return nil, fmt.Errorf("cluster %s centroid: %w", r.ClusterID, err)
	}

	cl := &datatypes.Cluster{
		ClusterID:               r.ClusterID,
		ArticleIDs:              r.ArticleIDs,
		Size:                    len(r.ArticleIDs),
		RepresentativeArticleID: r.RepresentativeArticleID,
		RepresentativeScore:     r.RepresentativeScore,
		CentroidMinHash:         centroid,
		TopTerms:                zipTopTerms(r.TopTermWords, r.TopTermWeights),
		LastUpdated:             time.UnixMilli(int64(r.LastUpdated)),
		Version:                 1,
	}
	if r.Size != nil {
		cl.Size = *r.Size
	}
	if r.Version != nil {
		cl.Version = *r.Version
	}
	return cl, nil
}

func zipTags(ids []int, names []string) []datatypes.Tag {
	tags := make([]datatypes.Tag, 0, len(ids))
	for i, id := range ids {
		tag := datatypes.Tag{ID: id}
		if i < len(names) {
			tag.Name = names[i]
		}
		tags = append(tags, tag)
	}
	return tags
}

func zipTopics(ids, names []string) []datatypes.Topic {
	topics := make([]datatypes.Topic, 0, len(ids))
	for i, id := range ids {
		topic := datatypes.Topic{ID: id}
		if i < len(names) {
			topic.Name = names[i]
		}
		topics = append(topics, topic)
	}
	return topics
}

func zipTopTerms(words []string, weights []float64) []datatypes.TopTerm {
	terms := make([]datatypes.TopTerm, 0, len(words))
	for i, w := range words {
		term := datatypes.TopTerm{Term: w}
		if i < len(weights) {
			term.Weight = weights[i]
		}
		terms = append(terms, term)
	}
	return terms
}

// =============================================================================
// Search Filter Construction
// =============================================================================

// searchFilter assembles the where clause for the public article search.
// Returns nil when no filter parameter is set.
func searchFilter(q *datatypes.ClusterSearchQuery) (*filters.WhereBuilder, error) {
	var operands []*filters.WhereBuilder

	if q.State != nil {
		operands = append(operands, filters.Where().
			WithPath([]string{"state"}).
			WithOperator(filters.Equal).
			WithValueInt(int64(*q.State)))
	}
	if q.Top != nil {
		operands = append(operands, filters.Where().
			WithPath([]string{"top"}).
			WithOperator(filters.Equal).
			WithValueBoolean(*q.Top == 1))
	}
	if q.Title != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"title"}).
			WithOperator(filters.Like).
			WithValueText("*"+q.Title+"*"))
	}
	if q.Source != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"source"}).
			WithOperator(filters.Equal).
			WithValueText(q.Source))
	}
	if q.StartTime != "" {
		ts, err := parseQueryTime(q.StartTime)
		if err != nil {
			return nil, fmt.Errorf("invalid start_time %q: %w", q.StartTime, err)
		}
		operands = append(operands, filters.Where().
			WithPath([]string{"publish_time"}).
			WithOperator(filters.GreaterThanEqual).
			WithValueInt(ts.UnixMilli()))
	}
	if q.EndTime != "" {
		ts, err := parseQueryTime(q.EndTime)
		if err != nil {
			return nil, fmt.Errorf("invalid end_time %q: %w", q.EndTime, err)
		}
		operands = append(operands, filters.Where().
			WithPath([]string{"publish_time"}).
			WithOperator(filters.LessThanEqual).
			WithValueInt(ts.UnixMilli()))
	}
	if q.TagID != nil {
		operands = append(operands, filters.Where().
			WithPath([]string{"tag_ids"}).
			WithOperator(filters.ContainsAny).
			WithValueInt(int64(*q.TagID)))
	}
	if len(q.Topics) > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{"topic_ids"}).
			WithOperator(filters.ContainsAny).
			WithValueText(q.Topics...))
	}

	switch len(operands) {
	case 0:
		return nil, nil
	case 1:
		return operands[0], nil
	default:
		return filters.Where().
			WithOperator(filters.And).
			WithOperands(operands), nil
	}
}

// queryTimeLayouts are the accepted start_time/end_time formats. Clients
// send both RFC 3339 and the space-separated variant.
var queryTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseQueryTime(s string) (time.Time, error) {
	for _, layout := range queryTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format")
}

// searchSortField maps the public sort parameter onto a stored field.
// Results are always served newest-first; a ":desc" suffix is accepted
// and anything unknown falls back to publish time.
func searchSortField(sort string) string {
	field, _, _ := strings.Cut(sort, ":")
	switch field {
	case "publish_time", "updated_at", "ingested_at":
		return field
	default:
		return "publish_time"
	}
}
