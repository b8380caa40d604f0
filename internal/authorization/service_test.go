package authorization

import (
	"context"
	"errors"
	"testing"

	"github.com/smallbiznis/staykey/internal/config"
	"github.com/smallbiznis/staykey/internal/testutil"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	db := testutil.OpenDB(t)
	enforcer, err := NewEnforcer(db)
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}
	return NewService(Params{
		Log: zap.NewNop(),
		Cfg: config.Config{AdminTokens: []config.AdminToken{
			{Name: "dash", Role: RoleViewer, Token: "v"},
			{Name: "ops", Role: RoleOperator, Token: "o"},
			{Name: "owner", Role: RoleAdmin, Token: "a"},
			{Name: "bogus", Role: "root", Token: "x"},
		}},
		Enforcer: enforcer,
	})
}

func TestAuthorizeRoleHierarchy(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		actor  string
		object string
		action string
		want   error
	}{
		{TokenActor("dash"), ObjectKeys, ActionKeysView, nil},
		{TokenActor("dash"), ObjectKeys, ActionKeysEnsure, ErrForbidden},
		{TokenActor("ops"), ObjectKeys, ActionKeysView, nil},
		{TokenActor("ops"), ObjectKeys, ActionKeysRegenerate, nil},
		{TokenActor("ops"), ObjectBookings, ActionBookingsCancel, ErrForbidden},
		{TokenActor("owner"), ObjectBookings, ActionBookingsCancel, nil},
		{TokenActor("owner"), ObjectDevices, ActionDevicesView, nil},
		{ActorSystem, ObjectJobs, ActionJobsTrigger, nil},
		{ActorSystem, ObjectKeys, ActionKeysEnsure, nil},
		{ActorSystem, ObjectBookings, ActionBookingsCancel, ErrForbidden},
		{TokenActor("bogus"), ObjectKeys, ActionKeysView, ErrUnknownRole},
		{"user:1", ObjectKeys, ActionKeysView, ErrInvalidActor},
	}
	for _, tc := range cases {
		err := svc.Authorize(ctx, tc.actor, tc.object, tc.action)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s %s: expected %v, got %v", tc.actor, tc.action, tc.want, err)
		}
	}
}

func TestAuthorizeValidatesInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Authorize(ctx, "", ObjectKeys, ActionKeysView); !errors.Is(err, ErrInvalidActor) {
		t.Fatalf("expected invalid actor, got %v", err)
	}
	if err := svc.Authorize(ctx, ActorSystem, " ", ActionKeysView); !errors.Is(err, ErrInvalidObject) {
		t.Fatalf("expected invalid object, got %v", err)
	}
	if err := svc.Authorize(ctx, ActorSystem, ObjectKeys, ""); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected invalid action, got %v", err)
	}
}

func TestRoleOf(t *testing.T) {
	svc := newTestService(t)

	role, err := svc.RoleOf(TokenActor("ops"))
	if err != nil || role != RoleOperator {
		t.Fatalf("expected operator, got %q (%v)", role, err)
	}
	role, err = svc.RoleOf(ActorSystem)
	if err != nil || role != RoleSystem {
		t.Fatalf("expected system, got %q (%v)", role, err)
	}
	if _, err := svc.RoleOf(TokenActor("missing")); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected unknown role, got %v", err)
	}
}
