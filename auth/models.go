package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload. Subject carries the actor id; Role is raw text
// and is canonicalised through the access policy on every verification.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueParams describes a token minted for local tooling.
type IssueParams struct {
	ActorID string
	Role    string
	TTL     time.Duration
}
