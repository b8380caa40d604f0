// Package sandbox is an in-memory lock vendor used for local runs and tests.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smallbiznis/staykey/internal/devicegateway/domain"
)

type failure struct {
	kind  domain.ErrorKind
	times int
}

// Gateway keeps authorizations per device in memory. Failures can be
// scripted per device to exercise retry and reconciliation paths.
type Gateway struct {
	mu       sync.Mutex
	devices  map[string]domain.Device
	auths    map[string]map[string]domain.Authorization
	failures map[string]*failure
	revokes  map[string]*failure
	hidden   map[string]int
	calls    map[string]int
	seq      int
	now      func() time.Time
	strict   bool
}

type Option func(*Gateway)

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithDevices registers devices up front. Combined with Strict, calls to
// unknown devices fail with ErrDeviceNotFound.
func WithDevices(ids ...string) Option {
	return func(g *Gateway) {
		for _, id := range ids {
			g.devices[id] = domain.Device{ID: id, Name: id, Type: "smartlock", Online: true, Battery: 100}
		}
	}
}

func Strict() Option {
	return func(g *Gateway) { g.strict = true }
}

func New(opts ...Option) *Gateway {
	g := &Gateway{
		devices:  make(map[string]domain.Device),
		auths:    make(map[string]map[string]domain.Authorization),
		failures: make(map[string]*failure),
		revokes:  make(map[string]*failure),
		hidden:   make(map[string]int),
		calls:    make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FailNext makes the next n create calls on deviceID fail with kind. An
// ambiguous failure still stores the authorization, as a vendor timeout would.
func (g *Gateway) FailNext(deviceID string, kind domain.ErrorKind, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n <= 0 {
		delete(g.failures, deviceID)
		return
	}
	g.failures[deviceID] = &failure{kind: kind, times: n}
}

// FailAlways makes every create call on deviceID fail with kind.
func (g *Gateway) FailAlways(deviceID string, kind domain.ErrorKind) {
	g.FailNext(deviceID, kind, int(^uint(0)>>1))
}

// FailNextRevoke makes the next n revoke calls on deviceID fail with kind.
func (g *Gateway) FailNextRevoke(deviceID string, kind domain.ErrorKind, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n <= 0 {
		delete(g.revokes, deviceID)
		return
	}
	g.revokes[deviceID] = &failure{kind: kind, times: n}
}

// HideNextCreate stores the next n authorizations on deviceID but reports
// the create as ambiguous.
func (g *Gateway) HideNextCreate(deviceID string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hidden[deviceID] = n
}

// Seed stores an authorization directly, bypassing failure scripting.
func (g *Gateway) Seed(deviceID, code string, window domain.Window) domain.Authorization {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store(deviceID, "seeded", code, window)
}

func (g *Gateway) ListDevices(ctx context.Context) ([]domain.Device, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["list"]++

	seen := make(map[string]struct{}, len(g.devices))
	out := make([]domain.Device, 0, len(g.devices))
	for id, device := range g.devices {
		seen[id] = struct{}{}
		out = append(out, device)
	}
	for id := range g.auths {
		if _, ok := seen[id]; ok {
			continue
		}
		out = append(out, domain.Device{ID: id, Name: id, Type: "smartlock", Online: true, Battery: 100})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *Gateway) CreateAuthorization(ctx context.Context, req domain.CreateAuthorizationRequest) domain.Outcome {
	const op = "create_authorization"
	if err := ctx.Err(); err != nil {
		return domain.Failure(domain.ErrorKindRetryable, op, req.DeviceID, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["create"]++

	if req.DeviceID == "" || req.Code == "" || !req.Window.Valid() {
		return domain.Failure(domain.ErrorKindPermanent, op, req.DeviceID, domain.ErrInvalidRequest)
	}
	if g.strict {
		if _, ok := g.devices[req.DeviceID]; !ok {
			return domain.Failure(domain.ErrorKindRetryable, op, req.DeviceID, domain.ErrDeviceNotFound)
		}
	}

	if f, ok := g.failures[req.DeviceID]; ok && f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(g.failures, req.DeviceID)
		}
		switch f.kind {
		case domain.ErrorKindAmbiguous:
			g.store(req.DeviceID, req.Name, req.Code, req.Window)
			return domain.Failure(domain.ErrorKindAmbiguous, op, req.DeviceID, domain.ErrTimeout)
		case domain.ErrorKindPermanent:
			return domain.Failure(domain.ErrorKindPermanent, op, req.DeviceID, domain.ErrInvalidRequest)
		default:
			return domain.Failure(domain.ErrorKindRetryable, op, req.DeviceID, domain.ErrDeviceOffline)
		}
	}

	auth := g.store(req.DeviceID, req.Name, req.Code, req.Window)
	if n := g.hidden[req.DeviceID]; n > 0 {
		g.hidden[req.DeviceID] = n - 1
		return domain.Failure(domain.ErrorKindAmbiguous, op, req.DeviceID, domain.ErrAuthorizationNotVisible)
	}
	return domain.Outcome{Authorization: &auth}
}

func (g *Gateway) FindAuthorization(ctx context.Context, deviceID, code string, window domain.Window) (*domain.Authorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["find"]++

	var match *domain.Authorization
	for _, auth := range g.auths[deviceID] {
		if auth.Code != code || !auth.Window.Matches(window, time.Minute) {
			continue
		}
		if match == nil || auth.Created.After(match.Created) || (auth.Created.Equal(match.Created) && auth.ID > match.ID) {
			a := auth
			match = &a
		}
	}
	return match, nil
}

func (g *Gateway) RevokeAuthorization(ctx context.Context, deviceID, authorizationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["revoke"]++

	if f, ok := g.revokes[deviceID]; ok && f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(g.revokes, deviceID)
		}
		return &domain.Error{Kind: f.kind, Op: "revoke_authorization", DeviceID: deviceID, Err: domain.ErrDeviceOffline}
	}

	delete(g.auths[deviceID], authorizationID)
	return nil
}

// Authorizations returns the authorizations currently stored on a device.
func (g *Gateway) Authorizations(deviceID string) []domain.Authorization {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Authorization, 0, len(g.auths[deviceID]))
	for _, auth := range g.auths[deviceID] {
		out = append(out, auth)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CodesOn returns how many authorizations on deviceID carry code.
func (g *Gateway) CodesOn(deviceID, code string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, auth := range g.auths[deviceID] {
		if auth.Code == code {
			n++
		}
	}
	return n
}

// Calls returns the number of calls made for an operation:
// list, create, find or revoke.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *Gateway) store(deviceID, name, code string, window domain.Window) domain.Authorization {
	g.seq++
	auth := domain.Authorization{
		ID:       fmt.Sprintf("auth-%06d", g.seq),
		DeviceID: deviceID,
		Name:     name,
		Code:     code,
		Window:   window,
		Enabled:  true,
		Created:  g.now(),
	}
	if g.auths[deviceID] == nil {
		g.auths[deviceID] = make(map[string]domain.Authorization)
	}
	g.auths[deviceID][auth.ID] = auth
	return auth
}
