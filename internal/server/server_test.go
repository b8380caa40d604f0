package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	activitydomain "github.com/smallbiznis/staykey/internal/activity/domain"
	"github.com/smallbiznis/staykey/internal/authorization"
	bookingdomain "github.com/smallbiznis/staykey/internal/booking/domain"
	"github.com/smallbiznis/staykey/internal/config"
	gatewaydomain "github.com/smallbiznis/staykey/internal/devicegateway/domain"
	provisioningdomain "github.com/smallbiznis/staykey/internal/provisioning/domain"
	pt "github.com/smallbiznis/staykey/internal/provisioning/provisioningtest"
	"github.com/smallbiznis/staykey/internal/scheduler"
	"github.com/smallbiznis/staykey/internal/testutil"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testCronSecret    = "cron-secret"
	testWebhookSecret = "whsec_test"
	viewerToken       = "viewer-token"
	operatorToken     = "operator-token"
	adminToken        = "admin-token"
)

func newTestServer(t *testing.T) (*pt.Harness, *Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := pt.New(t)
	log := zaptest.NewLogger(t)
	cfg := config.Config{
		CronSecret: testCronSecret,
		AdminTokens: []config.AdminToken{
			{Name: "dash", Role: authorization.RoleViewer, Token: viewerToken},
			{Name: "ops", Role: authorization.RoleOperator, Token: operatorToken},
			{Name: "owner", Role: authorization.RoleAdmin, Token: adminToken},
		},
		Payments: config.PaymentsConfig{
			WebhookSecret:    testWebhookSecret,
			WebhookTolerance: 5 * time.Minute,
		},
	}

	enforcer, err := authorization.NewEnforcer(h.DB)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: log, Cfg: cfg, Enforcer: enforcer})

	sched, err := scheduler.New(scheduler.Params{
		DB:           h.DB,
		Log:          log,
		GenID:        h.Node,
		Clock:        h.Clock,
		Devices:      h.Devices,
		Provisioning: h.Service,
		Bookings:     h.Bookings,
		Activity:     h.Activity,
		Gateway:      h.Gateway,
		Keys:         h.Keys,
		Retries:      h.Retries,
		Config:       scheduler.Config{CallDelay: 0},
	})
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	srv := NewServer(ServerParams{
		Gin:          engine,
		Cfg:          cfg,
		DB:           h.DB,
		Log:          log,
		Clock:        h.Clock,
		AuthzSvc:     authz,
		Provisioning: h.Service,
		Bookings:     h.Bookings,
		Activity:     h.Activity,
		LiveActivity: h.Hub,
		Gateway:      h.Gateway,
		Keys:         h.Keys,
		Retries:      h.Retries,
		Scheduler:    sched,
	})
	return h, srv
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorResponse](t, rec).Error.Type
}

func TestJobTriggerRejectsBadSecretWithoutRunning(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})

	for _, token := range []string{"", "wrong", testCronSecret + "x"} {
		rec := doRequest(t, srv, http.MethodPost, "/jobs/backfill", token, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "token %q", token)
		assert.Equal(t, "unauthorized", errorType(t, rec))
	}
	assert.Zero(t, h.Gateway.Calls("create"))
	assert.Empty(t, h.ActiveKeys(t, booking.ID))
}

func TestJobTriggerRejectsEverythingWhenSecretUnset(t *testing.T) {
	_, srv := newTestServer(t)
	srv.cfg.CronSecret = ""

	rec := doRequest(t, srv, http.MethodPost, "/jobs/retry", "anything", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJobTriggerRunsJobAndReturnsSummary(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})

	rec := doRequest(t, srv, http.MethodPost, "/jobs/backfill", testCronSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[struct {
		Summary scheduler.RunSummary `json:"summary"`
	}](t, rec)
	assert.Equal(t, scheduler.JobBackfill, body.Summary.Job)
	assert.Equal(t, 1, body.Summary.Processed)
	assert.NotEmpty(t, body.Summary.RunID)
	assert.NotEmpty(t, h.ActiveKeys(t, booking.ID))
}

func TestJobTriggerUnknownJob(t *testing.T) {
	_, srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/jobs/invoices", testCronSecret, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminJobTriggerUsesRoles(t *testing.T) {
	_, srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/jobs/reconcile", viewerToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/jobs/reconcile", operatorToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestEnsureKeysRequiresKnownToken(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	path := "/api/bookings/" + booking.ID.String() + "/keys"

	assert.Equal(t, http.StatusUnauthorized, doRequest(t, srv, http.MethodPost, path, "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, doRequest(t, srv, http.MethodPost, path, "nope", nil).Code)
	assert.Equal(t, http.StatusForbidden, doRequest(t, srv, http.MethodPost, path, viewerToken, nil).Code)
	assert.Zero(t, h.Gateway.Calls("create"))
}

func TestEnsureKeysReturnsTaggedResult(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	h.Gateway.FailNext(pt.RoomA1Device, gatewaydomain.ErrorKindAmbiguous, 1)
	path := "/api/bookings/" + booking.ID.String() + "/keys"

	rec := doRequest(t, srv, http.MethodPost, path, operatorToken, map[string]any{
		"key_types": []string{"main_entrance", "luggage_room", "room"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decode[provisioningdomain.Result](t, rec)
	assert.Equal(t, provisioningdomain.ResultCreated, result.Status)
	assert.ElementsMatch(t, []vkdomain.KeyType{vkdomain.KeyTypeMainEntrance, vkdomain.KeyTypeLuggageRoom}, result.Created)
	assert.Equal(t, []vkdomain.KeyType{vkdomain.KeyTypeRoom}, result.Queued)
	assert.NotEmpty(t, result.KeypadCode)
	assert.Equal(t, result.KeypadCode, h.Booking(t, booking.ID).KeypadCode())

	again := decode[provisioningdomain.Result](t, doRequest(t, srv, http.MethodPost, path, operatorToken, map[string]any{
		"key_types": []string{"MAIN_ENTRANCE", "LUGGAGE_ROOM"},
	}))
	assert.Equal(t, provisioningdomain.ResultAlready, again.Status)
}

func TestEnsureKeysTooEarly(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1", CheckIn: h.Clock.Now().Add(5 * 24 * time.Hour)})

	rec := doRequest(t, srv, http.MethodPost, "/api/bookings/"+booking.ID.String()+"/keys", operatorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decode[provisioningdomain.Result](t, rec)
	assert.Equal(t, provisioningdomain.ResultTooEarly, result.Status)
	assert.Equal(t, 2, result.DaysUntilGeneration)
	assert.Empty(t, h.AllKeys(t, booking.ID))
}

func TestEnsureKeysValidatesInput(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})

	rec := doRequest(t, srv, http.MethodPost, "/api/bookings/"+booking.ID.String()+"/keys", operatorToken, map[string]any{
		"key_types": []string{"GARAGE"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorType(t, rec))

	rec = doRequest(t, srv, http.MethodPost, "/api/bookings/12345/keys", operatorToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/bookings/not-an-id/keys", operatorToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBookingKeys(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	_, err := h.Service.EnsureKeys(t.Context(), booking.ID, provisioningdomain.Options{})
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodGet, "/api/bookings/"+booking.ID.String()+"/keys", viewerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[bookingKeysResponse](t, rec)
	assert.Equal(t, booking.ID.String(), body.BookingID)
	assert.Len(t, body.Keys, len(h.ActiveKeys(t, booking.ID)))
	assert.Equal(t, h.Booking(t, booking.ID).KeypadCode(), body.KeypadCode)
	assert.NotNil(t, body.Retries)
}

func TestRegenerateAndRevokeKeys(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	first, err := h.Service.EnsureKeys(t.Context(), booking.ID, provisioningdomain.Options{})
	require.NoError(t, err)
	base := "/api/bookings/" + booking.ID.String() + "/keys"

	rec := doRequest(t, srv, http.MethodPost, base+"/regenerate", operatorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	regenerated := decode[provisioningdomain.Result](t, rec)
	assert.NotEqual(t, first.KeypadCode, regenerated.KeypadCode)
	assert.Zero(t, h.Gateway.CodesOn(pt.EntranceDevice, first.KeypadCode))
	assert.Equal(t, 1, h.Gateway.CodesOn(pt.EntranceDevice, regenerated.KeypadCode))

	active := len(h.ActiveKeys(t, booking.ID))
	rec = doRequest(t, srv, http.MethodDelete, base, operatorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	revoked := decode[provisioningdomain.RevokeResult](t, rec)
	assert.Equal(t, active, revoked.Revoked)
	assert.Empty(t, h.ActiveKeys(t, booking.ID))
}

func TestRevokeKeysReportsPartialFailure(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	_, err := h.Service.EnsureKeys(t.Context(), booking.ID, provisioningdomain.Options{})
	require.NoError(t, err)
	h.Gateway.FailNextRevoke(pt.RoomA1Device, gatewaydomain.ErrorKindRetryable, 1)

	rec := doRequest(t, srv, http.MethodDelete, "/api/bookings/"+booking.ID.String()+"/keys", operatorToken, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	result := decode[provisioningdomain.RevokeResult](t, rec)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, vkdomain.KeyTypeRoom, result.Failed[0].KeyType)
	assert.Equal(t, 1, pt.ActivePerType(h.ActiveKeys(t, booking.ID))[vkdomain.KeyTypeRoom])
}

func TestCancelBookingRequiresAdmin(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	_, err := h.Service.EnsureKeys(t.Context(), booking.ID, provisioningdomain.Options{})
	require.NoError(t, err)
	path := "/api/bookings/" + booking.ID.String() + "/cancel"

	assert.Equal(t, http.StatusForbidden, doRequest(t, srv, http.MethodPost, path, operatorToken, nil).Code)

	rec := doRequest(t, srv, http.MethodPost, path, adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, bookingdomain.StatusCancelled, h.Booking(t, booking.ID).Status)
	assert.Empty(t, h.ActiveKeys(t, booking.ID))

	rec = doRequest(t, srv, http.MethodPost, path, adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "cancelling twice is a no-op")
}

func TestCancelCompletedBookingConflicts(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1", Status: bookingdomain.StatusCompleted})

	rec := doRequest(t, srv, http.MethodPost, "/api/bookings/"+booking.ID.String()+"/cancel", adminToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListRetriesFiltersByStatus(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	h.Gateway.FailNext(pt.RoomA1Device, gatewaydomain.ErrorKindRetryable, 1)
	_, err := h.Service.EnsureKeys(t.Context(), booking.ID, provisioningdomain.Options{})
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodGet, "/api/retries?status=pending", viewerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[struct {
		Retries []vkdomain.RetryRecord `json:"retries"`
	}](t, rec)
	require.Len(t, body.Retries, 1)
	assert.Equal(t, vkdomain.KeyTypeRoom, body.Retries[0].KeyType)

	rec = doRequest(t, srv, http.MethodGet, "/api/retries?status=failed", viewerToken, nil)
	assert.Empty(t, decode[struct {
		Retries []vkdomain.RetryRecord `json:"retries"`
	}](t, rec).Retries)

	rec = doRequest(t, srv, http.MethodGet, "/api/retries?status=sleeping", viewerToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListActivity(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	_, err := h.Service.EnsureKeys(t.Context(), booking.ID, provisioningdomain.Options{})
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodGet, "/api/activity?booking_id="+booking.ID.String()+"&page_size=50", viewerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[activitydomain.ListResponse](t, rec)
	require.NotEmpty(t, body.Entries)
	for _, entry := range body.Entries {
		require.NotNil(t, entry.BookingID)
		assert.Equal(t, booking.ID.String(), *entry.BookingID)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/activity?start_at=yesterday", viewerToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDevices(t *testing.T) {
	_, srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/devices", viewerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"devices"`)
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	_, srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorType(t, rec))
}

func signPayload(secret string, payload []byte, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func postWebhook(t *testing.T, srv *Server, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func paymentPayload(eventType, bookingID string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":"evt_1","type":%q,"data":{"object":{"id":"pi_1","metadata":{"booking_id":%q}}}}`,
		eventType, bookingID,
	))
}

func TestPaymentWebhookProvisionsKeys(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	payload := paymentPayload(eventPaymentSucceeded, booking.ID.String())

	rec := postWebhook(t, srv, payload, signPayload(testWebhookSecret, payload, h.Clock.Now().Unix()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[struct {
		Status string                    `json:"status"`
		Result provisioningdomain.Result `json:"result"`
	}](t, rec)
	assert.Equal(t, webhookStatusProvisioned, body.Status)
	assert.Equal(t, provisioningdomain.ResultCreated, body.Result.Status)
	assert.NotNil(t, h.Booking(t, booking.ID).PaidAt)
	assert.NotEmpty(t, h.ActiveKeys(t, booking.ID))
}

func TestPaymentWebhookLeavesGateToStatus(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1", Status: bookingdomain.StatusConfirmed})
	payload := paymentPayload(eventPaymentSucceeded, booking.ID.String())

	rec := postWebhook(t, srv, payload, signPayload(testWebhookSecret, payload, h.Clock.Now().Unix()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), string(provisioningdomain.ResultSkipped))
	assert.NotNil(t, h.Booking(t, booking.ID).PaidAt)
	assert.Empty(t, h.AllKeys(t, booking.ID))
}

func TestPaymentWebhookRejectsBadSignatures(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	payload := paymentPayload(eventPaymentSucceeded, booking.ID.String())
	now := h.Clock.Now().Unix()

	cases := map[string]string{
		"missing":      "",
		"wrong secret": signPayload("other", payload, now),
		"stale":        signPayload(testWebhookSecret, payload, now-int64(time.Hour/time.Second)),
		"malformed":    "v1=abc",
	}
	for name, signature := range cases {
		rec := postWebhook(t, srv, payload, signature)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
	assert.Nil(t, h.Booking(t, booking.ID).PaidAt)
	assert.Zero(t, h.Gateway.Calls("create"))
}

func TestPaymentWebhookIgnoresOtherEvents(t *testing.T) {
	h, srv := newTestServer(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	now := h.Clock.Now().Unix()

	payload := paymentPayload("payment_intent.payment_failed", booking.ID.String())
	rec := postWebhook(t, srv, payload, signPayload(testWebhookSecret, payload, now))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), webhookStatusIgnored)

	payload = paymentPayload(eventPaymentSucceeded, "")
	rec = postWebhook(t, srv, payload, signPayload(testWebhookSecret, payload, now))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), webhookStatusIgnored)
	assert.Zero(t, h.Gateway.Calls("create"))
}

func TestParseSignatureHeader(t *testing.T) {
	ts, sigs, err := parseSignatureHeader("t=100, v1=aa ,v0=zz,v1=bb")
	require.NoError(t, err)
	assert.Equal(t, "100", ts)
	assert.Equal(t, []string{"aa", "bb"}, sigs)

	_, _, err = parseSignatureHeader("t=100")
	assert.Error(t, err)
}

func TestWriteActivityEventFraming(t *testing.T) {
	bookingID := "42"
	entry := activitydomain.Entry{ID: "01J0", BookingID: &bookingID, Action: activitydomain.ActionKeyCreated, Message: "key created"}

	var buf bytes.Buffer
	require.NoError(t, writeActivityEvent(&buf, entry))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "id: 01J0\nevent: key.created\ndata: {"))
	assert.True(t, strings.HasSuffix(out, "\n\n"))

	assert.True(t, matchesBooking(entry, ""))
	assert.True(t, matchesBooking(entry, "42"))
	assert.False(t, matchesBooking(entry, "7"))
}
