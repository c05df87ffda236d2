// Package auth signs the short-lived tokens that carry a call's routing
// decision from the voice webhook to the media stream.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
)

const issuer = "callbridge"

// StreamClaims binds an agent assignment to one call. Subject is the call SID.
type StreamClaims struct {
	AgentID string `json:"agent_id"`
	UserID  string `json:"user_id,omitempty"`
	MenuID  string `json:"menu_id,omitempty"`
	jwt.RegisteredClaims
}

// CallSID returns the call the token was issued for.
func (c *StreamClaims) CallSID() string {
	return c.Subject
}

// TokenService handles stream token signing and verification.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService builds a signer. An empty secret disables tokens.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(strings.TrimSpace(secret)), ttl: ttl, now: time.Now}
}

// Enabled reports whether tokens are issued and required.
func (s *TokenService) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Issue signs a token for callSID.
func (s *TokenService) Issue(callSID, agentID, userID, menuID string) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(callSID) == "" || strings.TrimSpace(agentID) == "" {
		return "", errors.New("call sid and agent id required")
	}

	now := s.now()
	claims := StreamClaims{
		AgentID: agentID,
		UserID:  userID,
		MenuID:  menuID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  callSID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses token and checks it was issued for callSID.
func (s *TokenService) Verify(token, callSID string) (*StreamClaims, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &StreamClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*StreamClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.AgentID == "" {
		return nil, ErrInvalidToken
	}
	if callSID != "" && claims.Subject != callSID {
		return nil, fmt.Errorf("%w: issued for a different call", ErrInvalidToken)
	}
	return claims, nil
}
