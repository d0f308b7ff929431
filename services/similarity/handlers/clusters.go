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
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/SimDoc/pkg/validation"
	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Accepted by the public search endpoints. Date-only values filter whole
// days, which is what dashboard callers actually send.
var searchTimeLayouts = []string{time.RFC3339, "2006-01-02"}

// clusterPage is the GET /clusters/all body.
type clusterPage struct {
	Items   []datatypes.ClusterResponse `json:"items"`
	Page    int                         `json:"page"`
	PerPage int                         `json:"per_page"`
	Total   int                         `json:"total"`
}

// SearchClusters handles GET /clusters: a filtered article search where
// each hit carries its full cluster membership.
//
// # Description
//
// The row shape {article_id, similar_article_ids} puts the article itself
// first in its own membership list, then the remaining members in cluster
// assignment order. Unique and still-pending articles get a single-element
// list. Filters combine with AND; repeatable topic values combine with OR.
func SearchClusters(gw index.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q datatypes.ClusterSearchQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			abort(c, http.StatusBadRequest, datatypes.CodeInvalidArgument, "invalid query: "+err.Error())
			return
		}
		if err := normalizeSearchQuery(&q); err != nil {
			abort(c, http.StatusBadRequest, datatypes.CodeInvalidArgument, err.Error())
			return
		}

		ctx := c.Request.Context()
		articles, total, err := gw.SearchArticles(ctx, &q)
		if err != nil {
			abort(c, http.StatusServiceUnavailable, datatypes.CodeUpstreamUnavailable,
				"document store unavailable: "+err.Error())
			return
		}

		// One batched cluster fetch for the whole page.
		clusterIDs := make([]string, 0, len(articles))
		for _, art := range articles {
			if art.ClusterStatus == datatypes.ClusterMatched && art.ClusterID != "" {
				clusterIDs = append(clusterIDs, art.ClusterID)
			}
		}
		clusters := map[string]*datatypes.Cluster{}
		if len(clusterIDs) > 0 {
			clusters, err = gw.GetClustersByIDs(ctx, clusterIDs)
			if err != nil {
				abort(c, http.StatusServiceUnavailable, datatypes.CodeUpstreamUnavailable,
					"document store unavailable: "+err.Error())
				return
			}
		}

		items := make([]datatypes.ArticleWithSimilar, 0, len(articles))
		for _, art := range articles {
			items = append(items, datatypes.ArticleWithSimilar{
				ArticleID:         art.ArticleID,
				SimilarArticleIDs: membershipSelfFirst(art, clusters[art.ClusterID]),
			})
		}
		c.JSON(http.StatusOK, datatypes.SearchResponse{
			Items:    items,
			Page:     q.Page,
			PageSize: q.PageSize,
			Total:    total,
		})
	}
}

// membershipSelfFirst renders an article's cluster membership with the
// article itself leading, matching the upstream consumer convention.
func membershipSelfFirst(art *datatypes.Article, cl *datatypes.Cluster) []string {
	ids := []string{art.ArticleID}
	if cl == nil {
		return ids
	}
	for _, id := range cl.ArticleIDs {
		if id != art.ArticleID {
			ids = append(ids, id)
		}
	}
	return ids
}

// normalizeSearchQuery applies paging defaults and rejects out-of-contract
// values before the gateway sees them.
func normalizeSearchQuery(q *datatypes.ClusterSearchQuery) error {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 1 {
		return fmt.Errorf("page must be >= 1, got %d", q.Page)
	}
	if q.PageSize == 0 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize < 1 || q.PageSize > maxPageSize {
		return fmt.Errorf("page_size must be within 1..%d, got %d", maxPageSize, q.PageSize)
	}
	if q.Sort == "" {
		q.Sort = "publish_time:desc"
	}
	switch field, _, _ := strings.Cut(q.Sort, ":"); field {
	case "publish_time", "updated_at", "ingested_at":
	default:
		return fmt.Errorf("unsupported sort %q", q.Sort)
	}
	if q.State != nil && !datatypes.ArticleState(*q.State).Valid() {
		return fmt.Errorf("state must be 0, 1, or 2, got %d", *q.State)
	}
	if q.Top != nil && *q.Top != 0 && *q.Top != 1 {
		return fmt.Errorf("top must be 0 or 1, got %d", *q.Top)
	}
	if q.StartTime != "" && !validSearchTime(q.StartTime) {
		return fmt.Errorf("start_time must be ISO8601, got %q", q.StartTime)
	}
	if q.EndTime != "" && !validSearchTime(q.EndTime) {
		return fmt.Errorf("end_time must be ISO8601, got %q", q.EndTime)
	}
	return nil
}

func validSearchTime(s string) bool {
	for _, layout := range searchTimeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// GetCluster handles GET /clusters/{id}; ?include_articles=true inlines
// the member article views.
func GetCluster(gw index.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		clusterID := c.Param("id")
		if err := validation.ValidateClusterID(clusterID); err != nil {
			abort(c, http.StatusBadRequest, datatypes.CodeInvalidArgument, err.Error())
			return
		}

		cl, err := gw.GetCluster(ctx, clusterID)
		if err != nil {
			abortGatewayErr(c, err, datatypes.CodeClusterNotFound,
				fmt.Sprintf("cluster %s not found", clusterID))
			return
		}

		resp := datatypes.ClusterResponse{
			ClusterSummary: datatypes.SummarizeCluster(cl),
			ArticleIDs:     cl.ArticleIDs,
		}
		if c.Query("include_articles") == "true" {
			members, err := gw.GetArticlesByIDs(ctx, cl.ArticleIDs)
			if err != nil {
				abort(c, http.StatusServiceUnavailable, datatypes.CodeUpstreamUnavailable,
					"document store unavailable: "+err.Error())
				return
			}
			resp.Articles = make([]datatypes.ArticleResponse, 0, len(members))
			for _, id := range cl.ArticleIDs {
				if member, ok := members[id]; ok {
					resp.Articles = append(resp.Articles, datatypes.ArticleView(member))
				}
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// ListAllClusters handles GET /clusters/all, the operator-facing cluster
// inventory. Smaller surface than the search: size filter plus paging.
func ListAllClusters(gw index.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q struct {
			MinSize int    `form:"min_size"`
			Page    int    `form:"page"`
			PerPage int    `form:"per_page"`
			Sort    string `form:"sort"`
		}
		if err := c.ShouldBindQuery(&q); err != nil {
			abort(c, http.StatusBadRequest, datatypes.CodeInvalidArgument, "invalid query: "+err.Error())
			return
		}
		if q.Page == 0 {
			q.Page = 1
		}
		if q.PerPage == 0 {
			q.PerPage = defaultPageSize
		}
		if q.Page < 1 || q.PerPage < 1 || q.PerPage > maxPageSize {
			abort(c, http.StatusBadRequest, datatypes.CodeInvalidArgument,
				fmt.Sprintf("page must be >= 1 and per_page within 1..%d", maxPageSize))
			return
		}
		switch q.Sort {
		case "", "last_updated", "size":
		default:
			abort(c, http.StatusBadRequest, datatypes.CodeInvalidArgument,
				fmt.Sprintf("unsupported sort %q", q.Sort))
			return
		}

		clusters, total, err := gw.ListClusters(c.Request.Context(), index.ClusterListQuery{
			MinSize: q.MinSize,
			Page:    q.Page,
			PerPage: q.PerPage,
			Sort:    q.Sort,
		})
		if err != nil {
			abort(c, http.StatusServiceUnavailable, datatypes.CodeUpstreamUnavailable,
				"document store unavailable: "+err.Error())
			return
		}

		items := make([]datatypes.ClusterResponse, 0, len(clusters))
		for _, cl := range clusters {
			items = append(items, datatypes.ClusterResponse{
				ClusterSummary: datatypes.SummarizeCluster(cl),
				ArticleIDs:     cl.ArticleIDs,
			})
		}
		c.JSON(http.StatusOK, clusterPage{
			Items:   items,
			Page:    q.Page,
			PerPage: q.PerPage,
			Total:   total,
		})
	}
}
