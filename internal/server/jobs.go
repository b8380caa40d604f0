package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/staykey/internal/observability/logger"
	"github.com/smallbiznis/staykey/internal/scheduler"
	"go.uber.org/zap"
)

// TriggerJob runs one batch job synchronously and returns its run summary.
func (s *Server) TriggerJob(c *gin.Context) {
	job := strings.ToLower(strings.TrimSpace(c.Param("job")))
	ctx := c.Request.Context()
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	summary, err := s.scheduler.Trigger(ctx, job)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		s.obsMetrics.RecordJobTrigger(ctx, job, "unknown")
		AbortWithError(c, err)
		return
	case err != nil:
		s.obsMetrics.RecordJobTrigger(ctx, job, "error")
		obslogger.WithContext(ctx, s.log).Error("job trigger failed",
			zap.String("job", job),
			zap.String("run_id", summary.RunID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"summary": summary,
			"error":   errorPayload{Type: "job_failed", Message: err.Error()},
		})
		return
	}

	status := "ok"
	if summary.Skipped {
		status = "skipped"
	}
	s.obsMetrics.RecordJobTrigger(ctx, job, status)
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}
