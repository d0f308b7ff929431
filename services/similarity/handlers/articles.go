// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/SimDoc/pkg/validation"
	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
	"github.com/AleutianAI/SimDoc/services/similarity/observability"
	"github.com/AleutianAI/SimDoc/services/similarity/queue"
)

// perJobEstimate feeds the ETA hint on CLUSTER_PENDING responses. It is a
// hint, not a promise, so a flat per-job figure is good enough.
const perJobEstimate = 100 * time.Millisecond

// articleDetail is the GET /articles/{id} body: the article view plus the
// cluster summary once the article is matched.
type articleDetail struct {
	datatypes.ArticleResponse
	Cluster *datatypes.ClusterSummary `json:"cluster,omitempty"`
}

// similarDetail is the GET /articles/{id}/similar body.
type similarDetail struct {
	ArticleID       string                      `json:"article_id"`
	ClusterStatus   datatypes.ClusterStatus     `json:"cluster_status"`
	Cluster         *datatypes.ClusterSummary   `json:"cluster"`
	SimilarArticles []datatypes.ArticleResponse `json:"similar_articles"`
}

// SubmitArticle handles POST /articles: an idempotent upsert keyed by
// article_id that enqueues a similarity job for new articles.
//
// # Description
//
// Content is immutable once fingerprinted. Re-submitting an article with
// identical content updates the editorial metadata only and does not
// re-enqueue; re-submitting with different content is rejected with
// ARTICLE_ALREADY_EXISTS, and a recheck is the only route back through
// the pipeline.
func SubmitArticle(gw index.Gateway, q *queue.Queue, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SubmitArticleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			countSubmission(metrics, "invalid")
			abort(c, http.StatusBadRequest, datatypes.CodeInvalidArgument, "invalid body: "+err.Error())
			return
		}
		art, err := articleFromRequest(&req)
		if err != nil {
			countSubmission(metrics, "invalid")
			abort(c, http.StatusBadRequest, datatypes.CodeInvalidArgument, err.Error())
			return
		}

		ctx := c.Request.Context()
		existing, err := gw.GetArticle(ctx, art.ArticleID)
		switch {
		case err == nil:
			if existing.Content != art.Content {
				countSubmission(metrics, "conflict")
				abort(c, http.StatusConflict, datatypes.CodeArticleAlreadyExists,
					fmt.Sprintf("article %s exists with different content; content is immutable", art.ArticleID))
				return
			}
			if err := gw.UpdateArticleMetadata(ctx, art); err != nil {
				abortGatewayErr(c, err, datatypes.CodeArticleNotFound, "article vanished during update")
				return
			}
			countSubmission(metrics, "updated")
			slog.Info("article metadata updated", slog.String("article_id", art.ArticleID))
			c.JSON(http.StatusOK, gin.H{})
			return
		case errors.Is(err, index.ErrNotFound):
			// First sighting, fall through to create.
		default:
			abortGatewayErr(c, err, datatypes.CodeArticleNotFound, "")
			return
		}

		fp := fingerprint.Compute(art.Content)
		if err := gw.CreateArticle(ctx, art, &fp); err != nil {
			if errors.Is(err, index.ErrAlreadyExists) {
				// Lost a create race with a concurrent identical submit.
				// The winner enqueued the job; report the benign outcome.
				countSubmission(metrics, "updated")
				c.JSON(http.StatusOK, gin.H{})
				return
			}
			abort(c, http.StatusServiceUnavailable, datatypes.CodeUpstreamUnavailable,
				"document store unavailable: "+err.Error())
			return
		}
		if err := q.Enqueue(ctx, queue.Job{Kind: queue.KindIngest, ArticleID: art.ArticleID}); err != nil {
			abort(c, http.StatusServiceUnavailable, datatypes.CodeUpstreamUnavailable,
				"queue unavailable: "+err.Error())
			return
		}
		countSubmission(metrics, "accepted")
		slog.Info("article accepted",
			slog.String("article_id", art.ArticleID),
			slog.String("source", art.Source))
		c.JSON(http.StatusOK, gin.H{})
	}
}

// articleFromRequest validates the bound payload and builds the domain
// article. Binding already guaranteed presence; the validate tags check the
// value ranges, and the pieces tags cannot express are checked here.
func articleFromRequest(req *datatypes.SubmitArticleRequest) (*datatypes.Article, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	articleID, err := validation.SanitizeArticleID(req.ArticleID)
	if err != nil {
		return nil, err
	}
	publishTime, err := time.Parse(time.RFC3339, req.PublishTime)
	if err != nil {
		return nil, fmt.Errorf("publish_time must be ISO8601: %v", err)
	}
	return &datatypes.Article{
		ArticleID:     articleID,
		Title:         *req.Title,
		Content:       *req.Content,
		PublishTime:   publishTime.UTC(),
		Source:        *req.Source,
		State:         datatypes.ArticleState(*req.State),
		Top:           *req.Top == 1,
		Tags:          *req.Tags,
		Topics:        *req.Topics,
		ClusterStatus: datatypes.ClusterPending,
	}, nil
}

// DeleteArticle handles DELETE /articles/{id}: a soft delete. The row
// stays so recall can recognize and drop it; cluster membership is
// cleaned up lazily the next time the cluster is recomputed.
func DeleteArticle(gw index.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		articleID := c.Param("id")
		if err := gw.MarkArticleDeleted(c.Request.Context(), articleID); err != nil {
			abortGatewayErr(c, err, datatypes.CodeArticleNotFound,
				fmt.Sprintf("article %s not found", articleID))
			return
		}
		slog.Info("article deleted", slog.String("article_id", articleID))
		c.JSON(http.StatusOK, gin.H{})
	}
}

// GetArticle handles GET /articles/{id}.
func GetArticle(gw index.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		articleID := c.Param("id")

		art, err := gw.GetArticle(ctx, articleID)
		if err != nil {
			abortGatewayErr(c, err, datatypes.CodeArticleNotFound,
				fmt.Sprintf("article %s not found", articleID))
			return
		}

		detail := articleDetail{ArticleResponse: datatypes.ArticleView(art)}
		if art.ClusterStatus == datatypes.ClusterMatched && art.ClusterID != "" {
			cl, err := gw.GetCluster(ctx, art.ClusterID)
			if err == nil {
				summary := datatypes.SummarizeCluster(cl)
				detail.Cluster = &summary
			} else if !errors.Is(err, index.ErrNotFound) {
				abortGatewayErr(c, err, datatypes.CodeClusterNotFound, "")
				return
			}
			// A missing cluster here means a concurrent recheck dissolved
			// it between the two reads; the bare article view is still
			// correct.
		}
		c.JSON(http.StatusOK, detail)
	}
}

// GetSimilarArticles handles GET /articles/{id}/similar.
//
// Pending articles answer 404 CLUSTER_PENDING with a rough wait estimate
// derived from the queue depth, so pollers can back off sensibly.
func GetSimilarArticles(gw index.Gateway, q *queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		articleID := c.Param("id")

		art, err := gw.GetArticle(ctx, articleID)
		if err != nil {
			abortGatewayErr(c, err, datatypes.CodeArticleNotFound,
				fmt.Sprintf("article %s not found", articleID))
			return
		}

		if art.ClusterStatus == datatypes.ClusterPending {
			eta := 50 * time.Millisecond
			if stats, statsErr := q.Stats(ctx); statsErr == nil {
				eta += time.Duration(stats.Pending+stats.Leased) * perJobEstimate
			}
			abort(c, http.StatusNotFound, datatypes.CodeClusterPending,
				fmt.Sprintf("article %s is still being processed; retry in ~%s", articleID, eta.Round(time.Millisecond)))
			return
		}

		detail := similarDetail{
			ArticleID:       articleID,
			ClusterStatus:   art.ClusterStatus,
			SimilarArticles: []datatypes.ArticleResponse{},
		}
		if art.ClusterStatus == datatypes.ClusterUnique || art.ClusterID == "" {
			c.JSON(http.StatusOK, detail)
			return
		}

		cl, err := gw.GetCluster(ctx, art.ClusterID)
		if err != nil {
			abortGatewayErr(c, err, datatypes.CodeClusterNotFound,
				fmt.Sprintf("cluster %s not found", art.ClusterID))
			return
		}
		summary := datatypes.SummarizeCluster(cl)
		detail.Cluster = &summary

		memberIDs := make([]string, 0, len(cl.ArticleIDs))
		for _, id := range cl.ArticleIDs {
			if id != articleID {
				memberIDs = append(memberIDs, id)
			}
		}
		members, err := gw.GetArticlesByIDs(ctx, memberIDs)
		if err != nil {
			abortGatewayErr(c, err, datatypes.CodeArticleNotFound, "")
			return
		}
		// Keep the cluster's assignment order.
		for _, id := range memberIDs {
			if member, ok := members[id]; ok {
				detail.SimilarArticles = append(detail.SimilarArticles, datatypes.ArticleView(member))
			}
		}
		c.JSON(http.StatusOK, detail)
	}
}

func countSubmission(m *observability.Metrics, outcome string) {
	if m != nil {
		m.SubmissionsTotal.WithLabelValues(outcome).Inc()
	}
}
