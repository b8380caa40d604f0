package devicegateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/staykey/internal/config"
	"github.com/smallbiznis/staykey/internal/devicegateway/domain"
	"github.com/smallbiznis/staykey/internal/observability/tracing"
	"go.uber.org/zap"
)

const (
	opListDevices = "list_devices"
	opCreate      = "create_authorization"
	opFind        = "find_authorization"
	opRevoke      = "revoke_authorization"

	maxResponseBytes = 1 << 20
	windowTolerance  = time.Minute
)

// Limiter gates outbound device calls.
type Limiter interface {
	Wait(ctx context.Context) error
}

type smartlockDTO struct {
	SmartlockID   string `json:"smartlockId"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Online        bool   `json:"online"`
	BatteryCharge int    `json:"batteryCharge"`
}

type authDTO struct {
	ID               string    `json:"id"`
	SmartlockID      string    `json:"smartlockId"`
	Name             string    `json:"name"`
	Code             string    `json:"code"`
	AllowedFromDate  time.Time `json:"allowedFromDate"`
	AllowedUntilDate time.Time `json:"allowedUntilDate"`
	Enabled          bool      `json:"enabled"`
	CreationDate     time.Time `json:"creationDate"`
}

type createAuthBody struct {
	Name             string    `json:"name"`
	Type             string    `json:"type"`
	Code             string    `json:"code"`
	AllowedFromDate  time.Time `json:"allowedFromDate"`
	AllowedUntilDate time.Time `json:"allowedUntilDate"`
}

type errorResponse struct {
	Message string `json:"detailMessage"`
}

// Client talks to the lock vendor's HTTP API. Creation is asynchronous on
// the vendor side, so every accepted create is confirmed by reading the
// authorization back.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter Limiter
	log     *zap.Logger

	readBackAttempts int
	readBackDelay    time.Duration
}

func NewClient(cfg config.DeviceGatewayConfig, limiter Limiter, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:   strings.TrimSpace(cfg.APIToken),
		http: &http.Client{
			Timeout:   timeout,
			Transport: &tracing.Transport{Component: "devicegateway"},
		},
		limiter:          limiter,
		log:              log.Named("devicegateway"),
		readBackAttempts: 3,
		readBackDelay:    time.Second,
	}
}

func (c *Client) ListDevices(ctx context.Context) ([]domain.Device, error) {
	var items []smartlockDTO
	if _, err := c.do(ctx, opListDevices, "", http.MethodGet, "/smartlocks", nil, &items); err != nil {
		return nil, err
	}
	devices := make([]domain.Device, 0, len(items))
	for _, item := range items {
		devices = append(devices, domain.Device{
			ID:      item.SmartlockID,
			Name:    item.Name,
			Type:    item.Type,
			Online:  item.Online,
			Battery: item.BatteryCharge,
		})
	}
	return devices, nil
}

func (c *Client) CreateAuthorization(ctx context.Context, req domain.CreateAuthorizationRequest) domain.Outcome {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" || strings.TrimSpace(req.Code) == "" || !req.Window.Valid() {
		return domain.Failure(domain.ErrorKindPermanent, opCreate, deviceID, domain.ErrInvalidRequest)
	}

	body := createAuthBody{
		Name:             req.Name,
		Type:             "keypad",
		Code:             req.Code,
		AllowedFromDate:  req.Window.From.UTC(),
		AllowedUntilDate: req.Window.Until.UTC(),
	}
	path := "/smartlocks/" + url.PathEscape(deviceID) + "/auths"
	if _, err := c.do(ctx, opCreate, deviceID, http.MethodPut, path, body, nil); err != nil {
		return domain.Outcome{Kind: domain.KindOf(err), Err: err}
	}

	auth, err := c.readBack(ctx, deviceID, req.Code, req.Window)
	if err != nil {
		return domain.Failure(domain.ErrorKindAmbiguous, opCreate, deviceID, err)
	}
	if auth == nil {
		return domain.Failure(domain.ErrorKindAmbiguous, opCreate, deviceID, domain.ErrAuthorizationNotVisible)
	}
	return domain.Outcome{Authorization: auth}
}

func (c *Client) readBack(ctx context.Context, deviceID, code string, window domain.Window) (*domain.Authorization, error) {
	attempts := c.readBackAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 && c.readBackDelay > 0 {
			timer := time.NewTimer(c.readBackDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		auth, err := c.FindAuthorization(ctx, deviceID, code, window)
		if err != nil {
			lastErr = err
			continue
		}
		if auth != nil {
			return auth, nil
		}
		lastErr = nil
	}
	return nil, lastErr
}

func (c *Client) FindAuthorization(ctx context.Context, deviceID, code string, window domain.Window) (*domain.Authorization, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" || code == "" {
		return nil, &domain.Error{Kind: domain.ErrorKindPermanent, Op: opFind, DeviceID: deviceID, Err: domain.ErrInvalidRequest}
	}

	query := url.Values{}
	query.Set("code", code)
	path := "/smartlocks/" + url.PathEscape(deviceID) + "/auths?" + query.Encode()

	var items []authDTO
	if _, err := c.do(ctx, opFind, deviceID, http.MethodGet, path, nil, &items); err != nil {
		return nil, err
	}

	var match *domain.Authorization
	for _, item := range items {
		if item.Code != code {
			continue
		}
		candidate := toAuthorization(deviceID, item)
		if !candidate.Window.Matches(window, windowTolerance) {
			continue
		}
		if match == nil || candidate.Created.After(match.Created) {
			match = &candidate
		}
	}
	return match, nil
}

func (c *Client) RevokeAuthorization(ctx context.Context, deviceID, authorizationID string) error {
	deviceID = strings.TrimSpace(deviceID)
	authorizationID = strings.TrimSpace(authorizationID)
	if deviceID == "" || authorizationID == "" {
		return &domain.Error{Kind: domain.ErrorKindPermanent, Op: opRevoke, DeviceID: deviceID, Err: domain.ErrInvalidRequest}
	}

	path := "/smartlocks/" + url.PathEscape(deviceID) + "/auths/" + url.PathEscape(authorizationID)
	status, err := c.do(ctx, opRevoke, deviceID, http.MethodDelete, path, nil, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

// do performs one vendor request and returns the HTTP status alongside a
// classified *domain.Error on failure.
func (c *Client) do(ctx context.Context, op, deviceID, method, path string, payload any, out any) (int, error) {
	if c.baseURL == "" || c.token == "" {
		return 0, &domain.Error{Kind: domain.ErrorKindPermanent, Op: op, DeviceID: deviceID, Err: domain.ErrUnauthorized, Message: "device gateway not configured"}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			// Nothing was sent.
			return 0, &domain.Error{Kind: domain.ErrorKindRetryable, Op: op, DeviceID: deviceID, Err: domain.ErrRateLimited, Message: err.Error()}
		}
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, &domain.Error{Kind: domain.ErrorKindPermanent, Op: op, DeviceID: deviceID, Err: err}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, &domain.Error{Kind: domain.ErrorKindPermanent, Op: op, DeviceID: deviceID, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("device call failed",
			zap.String("op", op),
			zap.String("device_id", deviceID),
			zap.Duration("duration", time.Since(started)),
			zap.Error(tracing.SafeError(err)),
		)
		return 0, classifyTransport(op, deviceID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, classifyTransport(op, deviceID, err)
	}

	c.log.Debug("device call",
		zap.String("op", op),
		zap.String("device_id", deviceID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(started)),
	)

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr errorResponse
		_ = json.Unmarshal(raw, &apiErr)
		return resp.StatusCode, classifyStatus(op, deviceID, resp.StatusCode, strings.TrimSpace(apiErr.Message))
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, &domain.Error{
				Kind:       domain.ErrorKindAmbiguous,
				Op:         op,
				DeviceID:   deviceID,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("%w: decode response: %v", domain.ErrUpstream, err),
			}
		}
	}
	return resp.StatusCode, nil
}

func classifyTransport(op, deviceID string, err error) *domain.Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &domain.Error{Kind: domain.ErrorKindAmbiguous, Op: op, DeviceID: deviceID, Err: domain.ErrTimeout}
	}
	return &domain.Error{
		Kind:     domain.ErrorKindAmbiguous,
		Op:       op,
		DeviceID: deviceID,
		Err:      domain.ErrUpstream,
		Message:  tracing.SafeError(err).Error(),
	}
}

func classifyStatus(op, deviceID string, status int, message string) *domain.Error {
	gwErr := &domain.Error{Op: op, DeviceID: deviceID, StatusCode: status, Message: message}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		gwErr.Kind, gwErr.Err = domain.ErrorKindPermanent, domain.ErrUnauthorized
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		gwErr.Kind, gwErr.Err = domain.ErrorKindPermanent, domain.ErrInvalidRequest
	case status == http.StatusNotFound:
		gwErr.Kind, gwErr.Err = domain.ErrorKindRetryable, domain.ErrDeviceNotFound
	case status == http.StatusConflict:
		gwErr.Kind, gwErr.Err = domain.ErrorKindAmbiguous, domain.ErrConflict
	case status == http.StatusLocked || status == http.StatusServiceUnavailable:
		gwErr.Kind, gwErr.Err = domain.ErrorKindRetryable, domain.ErrDeviceOffline
	case status == http.StatusTooManyRequests:
		gwErr.Kind, gwErr.Err = domain.ErrorKindRetryable, domain.ErrRateLimited
	case status >= http.StatusInternalServerError:
		gwErr.Kind, gwErr.Err = domain.ErrorKindAmbiguous, domain.ErrUpstream
	default:
		gwErr.Kind, gwErr.Err = domain.ErrorKindPermanent, domain.ErrInvalidRequest
	}
	if gwErr.Message == "" {
		gwErr.Message = gwErr.Err.Error()
	}
	return gwErr
}

func toAuthorization(deviceID string, item authDTO) domain.Authorization {
	id := item.SmartlockID
	if id == "" {
		id = deviceID
	}
	return domain.Authorization{
		ID:       item.ID,
		DeviceID: id,
		Name:     item.Name,
		Code:     item.Code,
		Window: domain.Window{
			From:  item.AllowedFromDate.UTC(),
			Until: item.AllowedUntilDate.UTC(),
		},
		Enabled: item.Enabled,
		Created: item.CreationDate.UTC(),
	}
}
