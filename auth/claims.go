package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the payload of a msgstats access token. Subject carries the
// user's email, the identity every request is resolved from.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Provider string `json:"provider,omitempty"` // "github", "google"
}

// NewClaims returns claims for the user identified by email.
func NewClaims(userID, email, provider string) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: email},
		UserID:           userID,
		Provider:         provider,
	}
}

// Email returns the subject claim.
func (c *Claims) Email() string { return c.Subject }
