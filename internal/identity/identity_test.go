package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRegisterIssuesKeyOnce(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	user, rawKey, err := s.Register(ctx, "Asha", "asha@example.com", RoleSeeker)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.HasPrefix(rawKey, "tk_") {
		t.Errorf("raw key = %q, want tk_ prefix", rawKey)
	}
	if user.Role != RoleSeeker {
		t.Errorf("role = %q, want SEEKER", user.Role)
	}

	// The raw key authenticates; the stored hash never leaks it.
	got, err := s.Authenticate(ctx, "Bearer "+rawKey)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("authenticated user = %s, want %s", got.ID, user.ID)
	}
}

func TestRegisterRejectsStaffRoles(t *testing.T) {
	s := NewService(NewMemoryStore())

	_, _, err := s.Register(context.Background(), "Eve", "eve@example.com", RoleAdmin)
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("register as ADMIN error = %v, want ErrInvalidRole", err)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, _, err := s.Register(ctx, "Asha", "asha@example.com", RoleSeeker); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, _, err := s.Register(ctx, "Other", "ASHA@example.com", RoleProvider)
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("duplicate register error = %v, want ErrDuplicateEmail", err)
	}
}

func TestAuthenticateRejectsBadKeys(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, err := s.Authenticate(ctx, ""); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("empty key error = %v, want ErrNoAPIKey", err)
	}
	if _, err := s.Authenticate(ctx, "sk_wrongprefix"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("wrong prefix error = %v, want ErrInvalidAPIKey", err)
	}
	if _, err := s.Authenticate(ctx, "tk_"+strings.Repeat("ab", 32)); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("unknown key error = %v, want ErrInvalidAPIKey", err)
	}
}

func TestRevokedKeyStopsAuthenticating(t *testing.T) {
	store := NewMemoryStore()
	s := NewService(store)
	ctx := context.Background()

	user, rawKey, err := s.Register(ctx, "Asha", "asha@example.com", RoleSeeker)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	keys, err := store.ListKeys(ctx, user.ID)
	if err != nil || len(keys) != 1 {
		t.Fatalf("list keys: %v (%d keys)", err, len(keys))
	}
	if err := s.RevokeKey(ctx, user.ID, keys[0].ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if _, err := s.Authenticate(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("revoked key error = %v, want ErrInvalidAPIKey", err)
	}
}

func TestVerificationFlagsAreMonotonic(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	user, _, err := s.Register(ctx, "Asha", "asha@example.com", RoleProvider)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, flag := range []string{"email", "phone", "age", "id"} {
		if _, err := s.Verify(ctx, user.ID, flag); err != nil {
			t.Fatalf("verify %s: %v", flag, err)
		}
	}

	got, _ := s.GetUser(ctx, user.ID)
	if !got.EmailVerified || !got.PhoneVerified || !got.AgeVerified || !got.IDVerified {
		t.Errorf("verification flags = %v/%v/%v/%v, want all true",
			got.EmailVerified, got.PhoneVerified, got.AgeVerified, got.IDVerified)
	}

	if _, err := s.Verify(ctx, user.ID, "bogus"); err == nil {
		t.Error("verify with unknown flag should fail")
	}
}

func TestRoleOrdering(t *testing.T) {
	cases := []struct {
		role, min string
		want      bool
	}{
		{RoleSeeker, RoleEmployee, false},
		{RoleProvider, RoleEmployee, false},
		{RoleEmployee, RoleEmployee, true},
		{RoleManager, RoleEmployee, true},
		{RoleAdmin, RoleManager, true},
		{RoleManager, RoleAdmin, false},
		{RoleSuperAdmin, RoleAdmin, true},
		{"UNKNOWN", RoleSeeker, false},
	}
	for _, tc := range cases {
		if got := AtLeast(tc.role, tc.min); got != tc.want {
			t.Errorf("AtLeast(%s, %s) = %v, want %v", tc.role, tc.min, got, tc.want)
		}
	}

	if IsStaff(RoleSeeker) || IsStaff(RoleProvider) {
		t.Error("seekers and providers are not staff")
	}
	if !IsStaff(RoleEmployee) {
		t.Error("employees are staff")
	}
}
