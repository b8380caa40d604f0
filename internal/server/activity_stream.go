package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	activitydomain "github.com/smallbiznis/staykey/internal/activity/domain"
)

const activityHeartbeatInterval = 15 * time.Second

// StreamActivity tails the in-process activity ring as server-sent events.
// The backlog is replayed first; booking_id narrows the stream to one booking.
func (s *Server) StreamActivity(c *gin.Context) {
	if s.liveActivity == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	bookingID := strings.TrimSpace(c.Query("booking_id"))

	subscription, backlog, err := s.liveActivity.Subscribe()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	for _, entry := range backlog {
		if !matchesBooking(entry, bookingID) {
			continue
		}
		if err := writeActivityEvent(writer, entry); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(activityHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-subscription.Events():
			if !matchesBooking(entry, bookingID) {
				continue
			}
			if err := writeActivityEvent(writer, entry); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func matchesBooking(entry activitydomain.Entry, bookingID string) bool {
	if bookingID == "" {
		return true
	}
	return entry.BookingID != nil && *entry.BookingID == bookingID
}

func writeActivityEvent(w io.Writer, entry activitydomain.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", entry.ID, entry.Action, data)
	return err
}
