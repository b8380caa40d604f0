package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	activitydomain "github.com/smallbiznis/staykey/internal/activity/domain"
	"github.com/smallbiznis/staykey/internal/authorization"
	bookingdomain "github.com/smallbiznis/staykey/internal/booking/domain"
	obscontext "github.com/smallbiznis/staykey/internal/observability/context"
	obslogger "github.com/smallbiznis/staykey/internal/observability/logger"
	provisioningdomain "github.com/smallbiznis/staykey/internal/provisioning/domain"
	"go.uber.org/zap"
)

const (
	paymentProvider          = "stripe"
	eventPaymentSucceeded    = "payment_intent.succeeded"
	maxWebhookPayloadBytes   = 1 << 20
	defaultWebhookTolerance  = 5 * time.Minute
	signatureHeader          = "Stripe-Signature"
	bookingIDMetadataKey     = "booking_id"
	webhookStatusIgnored     = "ignored"
	webhookStatusProvisioned = "processed"
)

type paymentEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// HandlePaymentWebhook marks the booking paid on a successful payment intent
// and asks the orchestrator for keys; the booking status gate decides whether
// anything is provisioned yet.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookPayloadBytes))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := obscontext.WithActor(c.Request.Context(), string(ActorSystem), "payment_webhook")
	log := obslogger.WithContext(ctx, s.log)

	if err := s.verifyPaymentSignature(payload, c.GetHeader(signatureHeader)); err != nil {
		log.Warn("payment webhook rejected", zap.Error(err))
		AbortWithError(c, ErrInvalidSignature)
		return
	}

	var event paymentEvent
	if err := json.Unmarshal(payload, &event); err != nil || strings.TrimSpace(event.ID) == "" {
		AbortWithError(c, invalidRequestError())
		return
	}
	s.obsMetrics.RecordWebhookEvent(ctx, paymentProvider, event.Type)

	if event.Type != eventPaymentSucceeded {
		c.JSON(http.StatusOK, gin.H{"status": webhookStatusIgnored, "event_id": event.ID})
		return
	}

	rawBookingID := strings.TrimSpace(event.Data.Object.Metadata[bookingIDMetadataKey])
	bookingID, err := snowflake.ParseString(rawBookingID)
	if rawBookingID == "" || err != nil || bookingID <= 0 {
		log.Warn("payment event without a usable booking id",
			zap.String("event_id", event.ID),
			zap.String("booking_id", rawBookingID),
		)
		c.JSON(http.StatusOK, gin.H{"status": webhookStatusIgnored, "event_id": event.ID})
		return
	}
	ctx = obscontext.WithBookingID(ctx, bookingID.String())

	if err := s.bookings.MarkPaid(ctx, bookingID); err != nil {
		if errors.Is(err, bookingdomain.ErrNotFound) {
			log.Warn("payment event for unknown booking", zap.String("event_id", event.ID))
			c.JSON(http.StatusOK, gin.H{"status": webhookStatusIgnored, "event_id": event.ID})
			return
		}
		AbortWithError(c, err)
		return
	}
	_ = s.activity.Record(ctx, activitydomain.RecordRequest{
		BookingID: bookingID.String(),
		Action:    activitydomain.ActionPaymentReceived,
		Level:     activitydomain.LevelInfo,
		Message:   "payment received",
		Metadata: map[string]any{
			"provider":          paymentProvider,
			"event_id":          event.ID,
			"payment_intent_id": event.Data.Object.ID,
		},
	})

	if err := s.authzSvc.Authorize(ctx, authorization.ActorSystem, authorization.ObjectKeys, authorization.ActionKeysEnsure); err != nil {
		AbortWithError(c, err)
		return
	}
	result, err := s.provisioning.EnsureKeys(ctx, bookingID, provisioningdomain.Options{
		Trigger: provisioningdomain.TriggerPayment,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.obsMetrics.RecordProvisioningResult(ctx, string(result.Status), string(provisioningdomain.TriggerPayment))

	c.JSON(http.StatusOK, gin.H{
		"status":   webhookStatusProvisioned,
		"event_id": event.ID,
		"result":   result,
	})
}

func (s *Server) verifyPaymentSignature(payload []byte, header string) error {
	secret := strings.TrimSpace(s.cfg.Payments.WebhookSecret)
	if secret == "" {
		return errors.New("webhook secret not configured")
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return errors.New("missing signature header")
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.New("invalid signature timestamp")
	}
	tolerance := s.cfg.Payments.WebhookTolerance
	if tolerance <= 0 {
		tolerance = defaultWebhookTolerance
	}
	age := s.clock.Now().Sub(time.Unix(unix, 0))
	if age > tolerance || age < -tolerance {
		return errors.New("signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%s.%s", timestamp, payload)))
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return errors.New("signature mismatch")
}

// parseSignatureHeader splits "t=<unix>,v1=<hex>[,v1=<hex>]".
func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			timestamp = strings.TrimSpace(value)
		case "v1":
			signatures = append(signatures, strings.TrimSpace(value))
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("malformed signature header")
	}
	return timestamp, signatures, nil
}
