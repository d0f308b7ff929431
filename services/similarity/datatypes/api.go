// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Error Envelope
// =============================================================================

// ErrorCode is the machine-readable error identifier in API responses.
type ErrorCode string

const (
	CodeInvalidArgument      ErrorCode = "INVALID_ARGUMENT"
	CodeArticleNotFound      ErrorCode = "ARTICLE_NOT_FOUND"
	CodeArticleAlreadyExists ErrorCode = "ARTICLE_ALREADY_EXISTS"
	CodeClusterPending       ErrorCode = "CLUSTER_PENDING"
	CodeClusterNotFound      ErrorCode = "CLUSTER_NOT_FOUND"
	CodeRecheckRateLimited   ErrorCode = "RECHECK_RATE_LIMITED"
	CodeUpstreamUnavailable  ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodeInternal             ErrorCode = "INTERNAL"
)

// ErrorBody is the inner object of every error response.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorEnvelope is the uniform error response shape. TraceID correlates
// the response with the request's trace.
type ErrorEnvelope struct {
	Error   ErrorBody `json:"error"`
	TraceID string    `json:"trace_id"`
}

// =============================================================================
// Requests
// =============================================================================

// MaxContentChars bounds submitted article content.
const MaxContentChars = 200_000

// apiValidate applies the value rules on request payloads. Presence is the
// binding layer's job; ranges and lengths live here.
var apiValidate = validator.New()

// SubmitArticleRequest is the POST /articles body. Every field is required;
// tags and topic may be empty arrays but must be present, which is why they
// and the scalar enums bind through pointers.
type SubmitArticleRequest struct {
	ArticleID   string   `json:"article_id" binding:"required" validate:"required,max=256"`
	Title       *string  `json:"title" binding:"required" validate:"required"`
	Content     *string  `json:"content" binding:"required" validate:"required,max=200000"`
	PublishTime string   `json:"publish_time" binding:"required" validate:"required"`
	Source      *string  `json:"source" binding:"required" validate:"required"`
	State       *int     `json:"state" binding:"required" validate:"required,min=0,max=2"`
	Top         *int     `json:"top" binding:"required" validate:"required,min=0,max=1"`
	Tags        *[]Tag   `json:"tags" binding:"required" validate:"required"`
	Topics      *[]Topic `json:"topic" binding:"required" validate:"required"`
}

// Validate checks the value constraints binding's presence checks cannot
// express: content length (in runes), state in {0,1,2}, top in {0,1}.
func (r *SubmitArticleRequest) Validate() error {
	return apiValidate.Struct(r)
}

// RecheckRequest is the POST /articles/recheck body.
type RecheckRequest struct {
	ArticleIDs []string `json:"article_ids" binding:"required,min=1,dive,required" validate:"required,min=1,max=1000,dive,required"`
	Reason     string   `json:"reason" binding:"required" validate:"required,max=256"`
}

// Validate bounds the batch to one enqueue's worth of work.
func (r *RecheckRequest) Validate() error {
	return apiValidate.Struct(r)
}

// ClusterSearchQuery carries the GET /clusters filter parameters.
type ClusterSearchQuery struct {
	Page      int      `form:"page"`
	PageSize  int      `form:"page_size"`
	Sort      string   `form:"sort"`
	State     *int     `form:"state"`
	Top       *int     `form:"top"`
	Title     string   `form:"title"`
	Source    string   `form:"source"`
	StartTime string   `form:"start_time"`
	EndTime   string   `form:"end_time"`
	TagID     *int     `form:"tag_id"`
	Topics    []string `form:"topic"`
}

// =============================================================================
// Responses
// =============================================================================

// ArticleResponse is the external article view.
type ArticleResponse struct {
	ArticleID       string        `json:"article_id"`
	Title           string        `json:"title"`
	PublishTime     time.Time     `json:"publish_time"`
	Source          string        `json:"source"`
	State           int           `json:"state"`
	Top             int           `json:"top"`
	Tags            []Tag         `json:"tags"`
	Topics          []Topic       `json:"topic"`
	ClusterStatus   ClusterStatus `json:"cluster_status"`
	ClusterID       *string       `json:"cluster_id"`
	SimilarityScore *float64      `json:"similarity_score"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// ArticleView renders the external view of an article.
func ArticleView(a *Article) ArticleResponse {
	top := 0
	if a.Top {
		top = 1
	}
	var clusterID *string
	if a.ClusterStatus == ClusterMatched && a.ClusterID != "" {
		clusterID = &a.ClusterID
	}
	tags := a.Tags
	if tags == nil {
		tags = []Tag{}
	}
	topics := a.Topics
	if topics == nil {
		topics = []Topic{}
	}
	return ArticleResponse{
		ArticleID:       a.ArticleID,
		Title:           a.Title,
		PublishTime:     a.PublishTime,
		Source:          a.Source,
		State:           int(a.State),
		Top:             top,
		Tags:            tags,
		Topics:          topics,
		ClusterStatus:   a.ClusterStatus,
		ClusterID:       clusterID,
		SimilarityScore: a.SimilarityScore,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

// ClusterSummary is the compact cluster block embedded in article views.
type ClusterSummary struct {
	ClusterID               string    `json:"cluster_id"`
	Size                    int       `json:"size"`
	RepresentativeArticleID string    `json:"representative_article_id"`
	LastUpdated             time.Time `json:"last_updated"`
	TopTerms                []TopTerm `json:"top_terms,omitempty"`
}

// ClusterResponse is the GET /clusters/{id} body.
type ClusterResponse struct {
	ClusterSummary
	ArticleIDs []string          `json:"article_ids"`
	Articles   []ArticleResponse `json:"articles,omitempty"`
}

// SummarizeCluster renders the compact view.
func SummarizeCluster(c *Cluster) ClusterSummary {
	return ClusterSummary{
		ClusterID:               c.ClusterID,
		Size:                    c.Size,
		RepresentativeArticleID: c.RepresentativeArticleID,
		LastUpdated:             c.LastUpdated,
		TopTerms:                c.TopTerms,
	}
}

// ArticleWithSimilar is one row of the GET /clusters search result.
type ArticleWithSimilar struct {
	ArticleID         string   `json:"article_id"`
	SimilarArticleIDs []string `json:"similar_article_ids"`
}

// SearchResponse pages the GET /clusters search.
type SearchResponse struct {
	Items    []ArticleWithSimilar `json:"items"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
	Total    int                  `json:"total"`
}

// RecheckResponse is the POST /articles/recheck body.
type RecheckResponse struct {
	Accepted int    `json:"accepted"`
	JobID    string `json:"job_id"`
}

// ComponentHealth is one entry of the system health report.
type ComponentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthResponse is the GET /system/health body.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version"`
	Components map[string]ComponentHealth `json:"components"`
}

