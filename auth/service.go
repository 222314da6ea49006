package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
)

var validate = validator.New()

var (
	// ErrInvalidToken signals a bearer token that is malformed, expired or
	// signed with another key.
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrInvalidUser  = errors.New("auth: invalid user")
)

// DefaultTokenTTL is how long issued tokens stay valid.
const DefaultTokenTTL = 24 * time.Hour

// Service resolves identities: it issues and verifies bearer tokens and
// answers role lookups for the trade service.
type Service struct {
	repo      Repository
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		ttl:       DefaultTokenTTL,
		now:       time.Now,
	}
}

// WithClock overrides the time source used for token timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateUser provisions an account. Role defaults to trader.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (User, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.FullName = strings.TrimSpace(req.FullName)
	req.Role = Role(strings.TrimSpace(string(req.Role)))
	if req.Role == "" {
		req.Role = RoleTrader
	}
	if err := validate.Struct(req); err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrInvalidUser, err)
	}
	return s.repo.CreateUser(ctx, CreateUserParams{
		Email:    req.Email,
		FullName: req.FullName,
		Role:     req.Role,
	})
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.repo.GetUserByID(ctx, userID)
}

// IsAdmin reports whether userID holds the administrator role. Unknown users
// are not administrators.
func (s *Service) IsAdmin(ctx context.Context, userID string) (bool, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	return user.Role == RoleAdmin, nil
}

// IssueToken signs a bearer token for the user.
func (s *Service) IssueToken(userID string, role Role) (string, error) {
	if userID == "" || !isValidRole(role) {
		return "", fmt.Errorf("%w: cannot issue token for %q/%q", ErrInvalidUser, userID, role)
	}
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     now.Add(s.ttl).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return tokenString, nil
}

// VerifyToken validates a JWT token and returns the user ID and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", "", fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return "", "", fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}
	return userID, role, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleTrader, RoleAdmin:
		return true
	default:
		return false
	}
}
