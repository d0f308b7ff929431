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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/SimDoc/pkg/validation"
	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/observability"
	"github.com/AleutianAI/SimDoc/services/similarity/recheck"
)

// TriggerRecheck handles POST /articles/recheck.
//
// The client IP keys the per-caller rate limit; batches from internal
// tooling should go through the CLI, which is not limited.
func TriggerRecheck(ctrl *recheck.Controller, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.RecheckRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, datatypes.CodeInvalidArgument, "invalid body: "+err.Error())
			return
		}
		if err := req.Validate(); err != nil {
			abort(c, http.StatusBadRequest, datatypes.CodeInvalidArgument, err.Error())
			return
		}
		if err := validation.ValidateArticleIDs(req.ArticleIDs); err != nil {
			abort(c, http.StatusBadRequest, datatypes.CodeInvalidArgument, err.Error())
			return
		}

		res, err := ctrl.Trigger(c.Request.Context(), recheck.Request{
			ArticleIDs: req.ArticleIDs,
			Reason:     req.Reason,
			CallerID:   c.ClientIP(),
		})
		if err != nil {
			if errors.Is(err, recheck.ErrRateLimited) {
				abort(c, http.StatusTooManyRequests, datatypes.CodeRecheckRateLimited,
					"recheck budget exhausted; retry later")
				return
			}
			abort(c, http.StatusServiceUnavailable, datatypes.CodeUpstreamUnavailable,
				"recheck failed: "+err.Error())
			return
		}

		if metrics != nil {
			metrics.RechecksTotal.Add(float64(res.Enqueued))
		}
		c.JSON(http.StatusOK, datatypes.RecheckResponse{
			Accepted: res.Enqueued,
			JobID:    res.JobID,
		})
	}
}

// GetRecheckJob handles GET /articles/recheck/{job_id}. Status records
// expire an hour after their last update, after which this answers 404.
func GetRecheckJob(ctrl *recheck.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("job_id")
		st, err := ctrl.JobStatus(c.Request.Context(), jobID)
		if err != nil {
			abortGatewayErr(c, err, datatypes.CodeArticleNotFound,
				fmt.Sprintf("recheck job %s not found or expired", jobID))
			return
		}
		c.JSON(http.StatusOK, st)
	}
}
