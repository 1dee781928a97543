// Package auth resolves bearer tokens to actors. Credentials are issued by the
// identity provider; IssueToken exists for local tooling and tests.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"claimflow/access"
)

var (
	// ErrInvalidToken signals a token that is malformed, expired or badly signed.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrMissingSecret signals a service built without a signing secret.
	ErrMissingSecret = errors.New("auth: signing secret is required")
)

const defaultTTL = 24 * time.Hour

// Service verifies and mints HMAC-signed JWTs.
type Service struct {
	secret []byte
	issuer string
	policy *access.Policy
	now    func() time.Time
}

// NewService creates a token service. Roles are checked against policy.
func NewService(secret, issuer string, policy *access.Policy) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	return &Service{
		secret: []byte(secret),
		issuer: issuer,
		policy: policy,
		now:    time.Now,
	}, nil
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// VerifyToken validates the token and returns the actor it names. Unknown
// roles are rejected here so no unparsed role reaches the claim services.
func (s *Service) VerifyToken(tokenString string) (access.Actor, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return access.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return access.Actor{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role, err := s.policy.ParseRole(claims.Role)
	if err != nil {
		return access.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return access.Actor{ID: claims.Subject, Role: role}, nil
}

// IssueToken signs a token for the given actor.
func (s *Service) IssueToken(params IssueParams) (string, error) {
	if strings.TrimSpace(params.ActorID) == "" {
		return "", fmt.Errorf("auth: actor id is required")
	}
	role, err := s.policy.ParseRole(params.Role)
	if err != nil {
		return "", err
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	now := s.now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   params.ActorID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
