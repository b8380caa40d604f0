package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	activitydomain "github.com/smallbiznis/staykey/internal/activity/domain"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
	"github.com/smallbiznis/staykey/pkg/db/pagination"
)

func (s *Server) ListRetries(c *gin.Context) {
	filter := vkdomain.RetryListFilter{}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := vkdomain.ParseRetryStatus(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		filter.Status = status
	}
	bookingID, err := parseOptionalSnowflakeID(c.Query("booking_id"))
	if err != nil {
		AbortWithError(c, newValidationError("booking_id", "invalid_booking_id", "invalid booking id"))
		return
	}
	filter.BookingID = bookingID
	limit, err := parseOptionalInt(c.Query("limit"), 100, 500)
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	filter.Limit = limit

	records, err := s.retries.List(c.Request.Context(), s.db, filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if records == nil {
		records = []vkdomain.RetryRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"retries": records})
}

func (s *Server) ListActivity(c *gin.Context) {
	var query struct {
		pagination.Pagination
		BookingID string `form:"booking_id"`
		Action    string `form:"action"`
		Level     string `form:"level"`
		StartAt   string `form:"start_at"`
		EndAt     string `form:"end_at"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startAt, err := parseOptionalTime(query.StartAt, false)
	if err != nil {
		AbortWithError(c, newValidationError("start_at", "invalid_start_at", "invalid start_at"))
		return
	}
	endAt, err := parseOptionalTime(query.EndAt, true)
	if err != nil {
		AbortWithError(c, newValidationError("end_at", "invalid_end_at", "invalid end_at"))
		return
	}

	resp, err := s.activity.List(c.Request.Context(), activitydomain.ListRequest{
		Pagination: query.Pagination,
		BookingID:  strings.TrimSpace(query.BookingID),
		Action:     strings.TrimSpace(query.Action),
		Level:      strings.TrimSpace(query.Level),
		StartAt:    startAt,
		EndAt:      endAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListDevices(c *gin.Context) {
	devices, err := s.gateway.ListDevices(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}
