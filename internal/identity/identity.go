// Package identity resolves API tokens to users and guards routes by role.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/shsh-vms/internal/domain"
	"github.com/ashureev/shsh-vms/internal/store"
)

const tokenBytes = 32

type contextKey int

const userKey contextKey = iota

// HashToken returns the SHA-256 hex digest of a raw API token. Only the hash
// is stored.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// GenerateToken returns a new random API token.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Service authenticates tokens and creates users.
type Service struct {
	repo store.Repository
}

// NewService creates an identity service.
func NewService(repo store.Repository) *Service {
	return &Service{repo: repo}
}

// Authenticate returns the user owning token.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	if token == "" {
		return nil, domain.ErrUnauthorized
	}
	user, err := s.repo.GetUserByTokenHash(ctx, HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	return user, nil
}

// CreateUser creates a user with a fresh token and returns both. The raw
// token is only available here.
func (s *Service) CreateUser(ctx context.Context, username string, role domain.Role, credits int64) (*domain.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, "", fmt.Errorf("username required: %w", domain.ErrInvalidRequest)
	}
	if role == "" {
		role = domain.RoleUser
	}
	if role != domain.RoleUser && role != domain.RoleAdmin {
		return nil, "", fmt.Errorf("role %q: %w", role, domain.ErrInvalidRequest)
	}
	if credits < 0 {
		return nil, "", fmt.Errorf("negative credits: %w", domain.ErrInvalidRequest)
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}
	user, err := s.insert(ctx, username, role, credits, token)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func (s *Service) insert(ctx context.Context, username string, role domain.Role, credits int64, token string) (*domain.User, error) {
	now := time.Now()
	user := &domain.User{
		UserID:    uuid.NewString(),
		Username:  username,
		Role:      role,
		Credits:   credits,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateUser(ctx, user, HashToken(token)); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("user %s: %w", username, domain.ErrInvalidRequest)
		}
		return nil, fmt.Errorf("create user %s: %w", username, err)
	}
	return user, nil
}

// EnsureAdmin makes sure an admin owning token exists. It is a no-op when
// token is empty or already registered.
func (s *Service) EnsureAdmin(ctx context.Context, username, token string) (*domain.User, error) {
	if token == "" {
		return nil, nil
	}
	user, err := s.repo.GetUserByTokenHash(ctx, HashToken(token))
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup admin token: %w", err)
	}
	return s.insert(ctx, username, domain.RoleAdmin, 0, token)
}

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(ctx context.Context) *domain.User {
	u, _ := ctx.Value(userKey).(*domain.User)
	return u
}

// UserIDFromContext returns the authenticated user's ID, or "".
func UserIDFromContext(ctx context.Context) string {
	if u := UserFromContext(ctx); u != nil {
		return u.UserID
	}
	return ""
}

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// TokenFromRequest extracts a bearer token from the Authorization header or
// the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid token and injects the user.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := svc.Authenticate(r.Context(), TokenFromRequest(r))
			if err != nil {
				if !errors.Is(err, domain.ErrUnauthorized) {
					http.Error(w, `{"error":"failed to authenticate"}`, http.StatusInternalServerError)
					return
				}
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireAdmin rejects authenticated users without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		if user == nil || !user.IsAdmin() {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
