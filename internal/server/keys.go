package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	bookingdomain "github.com/smallbiznis/staykey/internal/booking/domain"
	provisioningdomain "github.com/smallbiznis/staykey/internal/provisioning/domain"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
)

type ensureKeysRequest struct {
	Force                bool     `json:"force"`
	AllowEarlyGeneration bool     `json:"allow_early_generation"`
	KeyTypes             []string `json:"key_types"`
	KeypadCode           string   `json:"keypad_code"`
}

func (r ensureKeysRequest) options(trigger provisioningdomain.Trigger) (provisioningdomain.Options, error) {
	opts := provisioningdomain.Options{
		Force:                r.Force,
		AllowEarlyGeneration: r.AllowEarlyGeneration,
		ExplicitKeypadCode:   strings.TrimSpace(r.KeypadCode),
		Trigger:              trigger,
	}
	for _, raw := range r.KeyTypes {
		keyType, err := vkdomain.ParseKeyType(raw)
		if err != nil {
			return provisioningdomain.Options{}, err
		}
		opts.KeyTypes = append(opts.KeyTypes, keyType)
	}
	return opts, nil
}

type bookingKeysResponse struct {
	BookingID         string                 `json:"booking_id"`
	Status            bookingdomain.Status   `json:"status"`
	CheckInAt         time.Time              `json:"check_in_at"`
	CheckOutAt        time.Time              `json:"check_out_at"`
	KeypadCode        string                 `json:"keypad_code,omitempty"`
	KeyCodeGeneration int                    `json:"key_code_generation"`
	Keys              []vkdomain.VirtualKey  `json:"keys"`
	Retries           []vkdomain.RetryRecord `json:"retries"`
}

// bindEnsureRequest accepts an empty body as "no options".
func bindEnsureRequest(c *gin.Context) (ensureKeysRequest, error) {
	var req ensureKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		return ensureKeysRequest{}, invalidRequestError()
	}
	return req, nil
}

func (s *Server) ListBookingKeys(c *gin.Context) {
	bookingID, err := bookingIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	keys, err := s.keys.ListByBooking(ctx, s.db, bookingID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	retries, err := s.retries.List(ctx, s.db, vkdomain.RetryListFilter{BookingID: bookingID})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if keys == nil {
		keys = []vkdomain.VirtualKey{}
	}
	if retries == nil {
		retries = []vkdomain.RetryRecord{}
	}

	resp := bookingKeysResponse{
		BookingID:         booking.ID.String(),
		Status:            booking.Status,
		CheckInAt:         booking.CheckInAt,
		CheckOutAt:        booking.CheckOutAt,
		KeyCodeGeneration: booking.KeyCodeGeneration,
		Keys:              keys,
		Retries:           retries,
	}
	if booking.HasKeypadCode() {
		resp.KeypadCode = booking.KeypadCode()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) EnsureBookingKeys(c *gin.Context) {
	bookingID, err := bookingIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req, err := bindEnsureRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	opts, err := req.options(provisioningdomain.TriggerAdmin)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.provisioning.EnsureKeys(c.Request.Context(), bookingID, opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.respondResult(c, result)
}

func (s *Server) RegenerateBookingKeys(c *gin.Context) {
	bookingID, err := bookingIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req, err := bindEnsureRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	opts, err := req.options(provisioningdomain.TriggerAdmin)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.provisioning.RegenerateKeys(c.Request.Context(), bookingID, opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.respondResult(c, result)
}

func (s *Server) RevokeBookingKeys(c *gin.Context) {
	bookingID, err := bookingIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	reason := strings.TrimSpace(c.Query("reason"))
	if reason == "" {
		reason = "manual"
	}
	result, err := s.provisioning.RevokeKeys(c.Request.Context(), bookingID, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(revokeStatus(result), result)
}

// CancelBooking moves the booking to cancelled and tears down its keys.
func (s *Server) CancelBooking(c *gin.Context) {
	bookingID, err := bookingIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	changed, err := s.bookings.Transition(ctx, bookingID, bookingdomain.StatusCancelled)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	result, err := s.provisioning.RevokeKeys(ctx, bookingID, "cancelled")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(revokeStatus(result), gin.H{
		"booking_id": bookingID.String(),
		"status":     bookingdomain.StatusCancelled,
		"changed":    changed,
		"revocation": result,
	})
}

// respondResult renders the tagged orchestrator result. An unknown booking is
// reported as a 404 so callers do not have to inspect the body.
func (s *Server) respondResult(c *gin.Context, result provisioningdomain.Result) {
	s.obsMetrics.RecordProvisioningResult(c.Request.Context(), string(result.Status), string(provisioningdomain.TriggerAdmin))
	if result.Status == provisioningdomain.ResultNotFound {
		AbortWithError(c, bookingdomain.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, result)
}

func revokeStatus(result provisioningdomain.RevokeResult) int {
	if len(result.Failed) > 0 {
		return http.StatusAccepted
	}
	return http.StatusOK
}
