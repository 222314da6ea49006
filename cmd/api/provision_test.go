package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/syntaxsurge/escrowzy-okx-sub006/auth"
)

type memUsers struct {
	byID map[string]auth.User
}

func (m *memUsers) CreateUser(_ context.Context, p auth.CreateUserParams) (auth.User, error) {
	for _, u := range m.byID {
		if u.Email == p.Email {
			return auth.User{}, auth.ErrDuplicateEmail
		}
	}
	u := auth.User{ID: fmt.Sprintf("user-%d", len(m.byID)+1), Email: p.Email, FullName: p.FullName, Role: p.Role}
	m.byID[u.ID] = u
	return u, nil
}

func (m *memUsers) GetUserByID(_ context.Context, id string) (auth.User, error) {
	u, ok := m.byID[id]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return u, nil
}

func tokenFrom(t *testing.T, out string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if tok, ok := strings.CutPrefix(line, "token="); ok {
			return tok
		}
	}
	t.Fatalf("no token in output %q", out)
	return ""
}

func TestRunProvision_CreatesAdminAndIssuesToken(t *testing.T) {
	svc := auth.NewService(&memUsers{byID: map[string]auth.User{}}, testSecret)
	ctx := context.Background()

	var out bytes.Buffer
	if err := runProvision(ctx, svc, []string{"user", "-email", "Ops@Example.com", "-role", "ADMIN"}, &out); err != nil {
		t.Fatalf("user: %v", err)
	}
	if !strings.Contains(out.String(), "user_id=user-1 role=admin") {
		t.Fatalf("unexpected output %q", out.String())
	}
	userID, role, err := svc.VerifyToken(tokenFrom(t, out.String()))
	if err != nil || userID != "user-1" || role != auth.RoleAdmin {
		t.Fatalf("token claims %q %q %v", userID, role, err)
	}
	if isAdmin, err := svc.IsAdmin(ctx, "user-1"); err != nil || !isAdmin {
		t.Fatalf("provisioned admin not recognised: %v %v", isAdmin, err)
	}

	out.Reset()
	if err := runProvision(ctx, svc, []string{"token", "-id", "user-1"}, &out); err != nil {
		t.Fatalf("token: %v", err)
	}
	if _, role, err := svc.VerifyToken(tokenFrom(t, out.String())); err != nil || role != auth.RoleAdmin {
		t.Fatalf("reissued token: %q %v", role, err)
	}
}

func TestRunProvision_Errors(t *testing.T) {
	svc := auth.NewService(&memUsers{byID: map[string]auth.User{}}, testSecret)
	ctx := context.Background()
	var out bytes.Buffer

	if err := runProvision(ctx, svc, nil, &out); err == nil {
		t.Fatal("expected usage error")
	}
	if err := runProvision(ctx, svc, []string{"grant"}, &out); err == nil {
		t.Fatal("expected unknown command error")
	}
	if err := runProvision(ctx, svc, []string{"user", "-email", "not-an-email"}, &out); !errors.Is(err, auth.ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
	if err := runProvision(ctx, svc, []string{"token"}, &out); err == nil {
		t.Fatal("expected missing id error")
	}
	if err := runProvision(ctx, svc, []string{"token", "-id", "ghost"}, &out); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
