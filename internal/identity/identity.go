// Package identity verifies player credentials. Production uses HS256 JWTs
// issued by the account service; tests use the static verifier.
package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// Identity is a verified caller.
type Identity struct {
	PlayerID string
	Username string
}

// Verifier turns a bearer token into a player identity.
type Verifier interface {
	Verify(token string) (*Identity, error)
}

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens. The subject claim is the player id.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier with the shared signing secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token, checking the signing method,
// expiry, and presence of a subject.
func (v *JWTVerifier) Verify(token string) (*Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("identity: invalid token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("identity: invalid token")
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("identity: token missing subject")
	}

	username := c.Username
	if username == "" {
		username = c.Subject
	}
	return &Identity{PlayerID: c.Subject, Username: username}, nil
}

// Sign issues a token for the player. Used by tests and local tooling.
func (v *JWTVerifier) Sign(playerID, username string, expiresAt jwt.NumericDate) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerID,
			ExpiresAt: &expiresAt,
		},
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// StaticVerifier maps fixed tokens to identities. Test double.
type StaticVerifier map[string]Identity

// Verify looks the token up in the static map.
func (s StaticVerifier) Verify(token string) (*Identity, error) {
	id, ok := s[token]
	if !ok {
		return nil, fmt.Errorf("identity: unknown token")
	}
	return &id, nil
}
