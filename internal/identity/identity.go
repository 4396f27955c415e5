// Package identity provides user accounts and API authentication for Tokenbook.
//
// Authentication model:
// - Users register and receive an API key (shown once, stored hashed)
// - All wallet and booking endpoints require a valid key
// - Staff roles (EMPLOYEE and above) unlock admin endpoints
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/tokenbook/tokenbook/internal/idgen"
)

// Errors
var (
	ErrNoAPIKey       = errors.New("API key required")
	ErrInvalidAPIKey  = errors.New("invalid or revoked API key")
	ErrUserNotFound   = errors.New("user not found")
	ErrDuplicateEmail = errors.New("email already registered")
	ErrInvalidRole    = errors.New("invalid role")
)

// Roles, in ascending order of privilege.
const (
	RoleSeeker     = "SEEKER"
	RoleProvider   = "PROVIDER"
	RoleEmployee   = "EMPLOYEE"
	RoleManager    = "MANAGER"
	RoleAdmin      = "ADMIN"
	RoleSuperAdmin = "SUPER_ADMIN"
)

var roleRank = map[string]int{
	RoleSeeker:     0,
	RoleProvider:   0, // seekers and providers are peers, not ranked
	RoleEmployee:   1,
	RoleManager:    2,
	RoleAdmin:      3,
	RoleSuperAdmin: 4,
}

// ValidRole reports whether the role name is known.
func ValidRole(role string) bool {
	_, ok := roleRank[role]
	return ok
}

// AtLeast reports whether role has at least the privilege of min.
func AtLeast(role, min string) bool {
	r, ok := roleRank[role]
	if !ok {
		return false
	}
	m, ok := roleRank[min]
	if !ok {
		return false
	}
	return r >= m
}

// IsStaff reports whether the role is EMPLOYEE or above.
func IsStaff(role string) bool {
	return AtLeast(role, RoleEmployee)
}

// User is a platform account.
type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Role          string    `json:"role"`
	EmailVerified bool      `json:"emailVerified"`
	PhoneVerified bool      `json:"phoneVerified"`
	AgeVerified   bool      `json:"ageVerified"`
	IDVerified    bool      `json:"idVerified"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// APIKey is the stored form of a user's credential. The raw key is
// returned exactly once at issue time; only the SHA-256 hash persists.
type APIKey struct {
	ID        string    `json:"id"`
	Hash      string    `json:"-"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed,omitempty"`
	Revoked   bool      `json:"revoked"`
}

// Store persists users and API keys.
type Store interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	CreateKey(ctx context.Context, key *APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	UpdateKey(ctx context.Context, key *APIKey) error
	ListKeys(ctx context.Context, userID string) ([]*APIKey, error)
}

// Service handles registration and authentication.
type Service struct {
	store Store
}

// NewService creates an identity service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register creates a user and issues their first API key.
// Returns the raw key, which is never retrievable again.
func (s *Service) Register(ctx context.Context, name, email, role string) (*User, string, error) {
	if role != RoleSeeker && role != RoleProvider {
		// Staff accounts are promoted by an admin, never self-registered.
		return nil, "", ErrInvalidRole
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if existing, err := s.store.GetUserByEmail(ctx, email); err == nil && existing != nil {
		return nil, "", ErrDuplicateEmail
	}

	now := time.Now()
	user := &User{
		ID:        idgen.WithPrefix("usr_"),
		Name:      name,
		Email:     email,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, "", err
	}

	rawKey, err := s.IssueKey(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, rawKey, nil
}

// IssueKey creates a new API key for an existing user.
func (s *Service) IssueKey(ctx context.Context, userID string) (string, error) {
	rawKey := "tk_" + idgen.Hex(32)
	key := &APIKey{
		ID:        "ak_" + idgen.Hex(8),
		Hash:      hashKey(rawKey),
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateKey(ctx, key); err != nil {
		return "", err
	}
	return rawKey, nil
}

// Authenticate validates a raw API key and returns the owning user.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (*User, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)
	if !strings.HasPrefix(rawKey, "tk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := s.store.GetKeyByHash(ctx, hashKey(rawKey))
	if err != nil || key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	user, err := s.store.GetUser(ctx, key.UserID)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func() {
		key.LastUsed = time.Now()
		_ = s.store.UpdateKey(context.Background(), key)
	}()

	return user, nil
}

// GetUser returns a user by ID.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.store.GetUser(ctx, id)
}

// SetRole changes a user's role (admin operation).
func (s *Service) SetRole(ctx context.Context, userID, role string) (*User, error) {
	if !ValidRole(role) {
		return nil, ErrInvalidRole
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.Role = role
	user.UpdatedAt = time.Now()
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Verify marks a verification flag on the user. Flags only ever go from
// false to true; there is no unverify.
func (s *Service) Verify(ctx context.Context, userID, flag string) (*User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	switch flag {
	case "email":
		user.EmailVerified = true
	case "phone":
		user.PhoneVerified = true
	case "age":
		user.AgeVerified = true
	case "id":
		user.IDVerified = true
	default:
		return nil, errors.New("unknown verification flag")
	}

	user.UpdatedAt = time.Now()
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// RevokeKey revokes one of the user's API keys.
func (s *Service) RevokeKey(ctx context.Context, userID, keyID string) error {
	keys, err := s.store.ListKeys(ctx, userID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return s.store.UpdateKey(ctx, k)
		}
	}
	return ErrInvalidAPIKey
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
