package devicegateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/staykey/internal/config"
	"github.com/smallbiznis/staykey/internal/devicegateway/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVendor mimics the vendor API closely enough for the client: creates
// are accepted without an id and become visible on the list endpoint.
type fakeVendor struct {
	mu        sync.Mutex
	auths     []authDTO
	putStatus int
	delStatus int
	hide      bool
	seq       int
	lastAuth  string
}

func (f *fakeVendor) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /smartlocks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]smartlockDTO{{SmartlockID: "lock-1", Name: "Entrance", Online: true, BatteryCharge: 80}})
	})
	mux.HandleFunc("PUT /smartlocks/{id}/auths", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastAuth = r.Header.Get("Authorization")
		if f.putStatus != 0 {
			w.WriteHeader(f.putStatus)
			_, _ = w.Write([]byte(`{"detailMessage":"vendor says no"}`))
			return
		}
		var body createAuthBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if !f.hide {
			f.seq++
			f.auths = append(f.auths, authDTO{
				ID:               "a" + string(rune('0'+f.seq)),
				SmartlockID:      r.PathValue("id"),
				Name:             body.Name,
				Code:             body.Code,
				AllowedFromDate:  body.AllowedFromDate.Truncate(time.Minute),
				AllowedUntilDate: body.AllowedUntilDate.Truncate(time.Minute),
				Enabled:          true,
				CreationDate:     time.Now().UTC(),
			})
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /smartlocks/{id}/auths", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		code := r.URL.Query().Get("code")
		out := []authDTO{}
		for _, a := range f.auths {
			if a.SmartlockID == r.PathValue("id") && a.Code == code {
				out = append(out, a)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("DELETE /smartlocks/{id}/auths/{auth}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.delStatus != 0 {
			w.WriteHeader(f.delStatus)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newTestClient(t *testing.T, vendor *fakeVendor) *Client {
	t.Helper()
	srv := httptest.NewServer(vendor.handler(t))
	t.Cleanup(srv.Close)

	client := NewClient(config.DeviceGatewayConfig{
		BaseURL:  srv.URL,
		APIToken: "vendor-token",
		Timeout:  2 * time.Second,
	}, nil, nil)
	client.readBackAttempts = 1
	client.readBackDelay = 0
	return client
}

func stayWindow() domain.Window {
	from := time.Date(2026, 7, 1, 15, 0, 0, 0, time.UTC)
	return domain.Window{From: from, Until: from.Add(48 * time.Hour)}
}

func TestCreateAuthorizationReadsBack(t *testing.T) {
	vendor := &fakeVendor{}
	client := newTestClient(t, vendor)

	outcome := client.CreateAuthorization(context.Background(), domain.CreateAuthorizationRequest{
		DeviceID: "lock-1",
		Name:     "bk-1-main-entrance",
		Code:     "583914",
		Window:   stayWindow(),
	})
	require.True(t, outcome.Succeeded(), "outcome error: %v", outcome.Err)
	assert.Equal(t, "a1", outcome.Authorization.ID)
	assert.Equal(t, "Bearer vendor-token", vendor.lastAuth)
}

func TestCreateAuthorizationNotVisibleIsAmbiguous(t *testing.T) {
	client := newTestClient(t, &fakeVendor{hide: true})

	outcome := client.CreateAuthorization(context.Background(), domain.CreateAuthorizationRequest{
		DeviceID: "lock-1", Code: "583914", Window: stayWindow(),
	})
	assert.Equal(t, domain.ErrorKindAmbiguous, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, domain.ErrAuthorizationNotVisible)
}

func TestCreateAuthorizationClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   domain.ErrorKind
		err    error
	}{
		{http.StatusUnauthorized, domain.ErrorKindPermanent, domain.ErrUnauthorized},
		{http.StatusUnprocessableEntity, domain.ErrorKindPermanent, domain.ErrInvalidRequest},
		{http.StatusNotFound, domain.ErrorKindRetryable, domain.ErrDeviceNotFound},
		{http.StatusConflict, domain.ErrorKindAmbiguous, domain.ErrConflict},
		{http.StatusLocked, domain.ErrorKindRetryable, domain.ErrDeviceOffline},
		{http.StatusTooManyRequests, domain.ErrorKindRetryable, domain.ErrRateLimited},
		{http.StatusServiceUnavailable, domain.ErrorKindRetryable, domain.ErrDeviceOffline},
		{http.StatusBadGateway, domain.ErrorKindAmbiguous, domain.ErrUpstream},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			client := newTestClient(t, &fakeVendor{putStatus: tc.status})
			outcome := client.CreateAuthorization(context.Background(), domain.CreateAuthorizationRequest{
				DeviceID: "lock-1", Code: "583914", Window: stayWindow(),
			})
			assert.Equal(t, tc.kind, outcome.Kind)
			assert.ErrorIs(t, outcome.Err, tc.err)
		})
	}
}

func TestCreateAuthorizationTimeoutIsAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(config.DeviceGatewayConfig{
		BaseURL: srv.URL, APIToken: "t", Timeout: 20 * time.Millisecond,
	}, nil, nil)

	outcome := client.CreateAuthorization(context.Background(), domain.CreateAuthorizationRequest{
		DeviceID: "lock-1", Code: "583914", Window: stayWindow(),
	})
	assert.Equal(t, domain.ErrorKindAmbiguous, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, domain.ErrTimeout)
}

func TestCreateAuthorizationRejectsInvalidRequest(t *testing.T) {
	client := newTestClient(t, &fakeVendor{})
	outcome := client.CreateAuthorization(context.Background(), domain.CreateAuthorizationRequest{
		DeviceID: "lock-1", Code: "583914",
	})
	assert.Equal(t, domain.ErrorKindPermanent, outcome.Kind)
}

func TestFindAuthorizationIgnoresOtherWindows(t *testing.T) {
	vendor := &fakeVendor{}
	client := newTestClient(t, vendor)
	w := stayWindow()
	vendor.auths = []authDTO{
		{ID: "old", SmartlockID: "lock-1", Code: "583914", AllowedFromDate: w.From.Add(-24 * time.Hour), AllowedUntilDate: w.Until},
		{ID: "match", SmartlockID: "lock-1", Code: "583914", AllowedFromDate: w.From, AllowedUntilDate: w.Until.Add(30 * time.Second)},
	}

	found, err := client.FindAuthorization(context.Background(), "lock-1", "583914", w)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "match", found.ID)

	missing, err := client.FindAuthorization(context.Background(), "lock-1", "111119", w)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRevokeTreatsNotFoundAsRevoked(t *testing.T) {
	client := newTestClient(t, &fakeVendor{delStatus: http.StatusNotFound})
	assert.NoError(t, client.RevokeAuthorization(context.Background(), "lock-1", "a1"))

	failing := newTestClient(t, &fakeVendor{delStatus: http.StatusServiceUnavailable})
	err := failing.RevokeAuthorization(context.Background(), "lock-1", "a1")
	assert.Equal(t, domain.ErrorKindRetryable, domain.KindOf(err))
}

func TestListDevices(t *testing.T) {
	client := newTestClient(t, &fakeVendor{})
	devices, err := client.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "lock-1", devices[0].ID)
	assert.Equal(t, 80, devices[0].Battery)
}

func TestUnconfiguredClientIsPermanent(t *testing.T) {
	client := NewClient(config.DeviceGatewayConfig{}, nil, nil)
	_, err := client.ListDevices(context.Background())
	assert.Equal(t, domain.ErrorKindPermanent, domain.KindOf(err))
}
