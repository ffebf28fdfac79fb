package rest

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/lu-zhengda/mailsync/internal/provider"
)

// ErrSessionExpired is returned by the token source when the stored
// session can no longer be used. The user has to log in again.
var ErrSessionExpired = errors.New("session expired; run `mailsync login`")

// TokenStore persists the session token per owner.
type TokenStore interface {
	SaveToken(ownerID string, token *oauth2.Token) error
	LoadToken(ownerID string) (*oauth2.Token, error)
}

// keyringSource reads the session token saved by Login. There is no
// refresh grant: an expired token ends the session.
type keyringSource struct {
	tokens  TokenStore
	ownerID string
}

func (s *keyringSource) Token() (*oauth2.Token, error) {
	tok, err := s.tokens.LoadToken(s.ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session token: %w", err)
	}
	if !tok.Valid() {
		return nil, ErrSessionExpired
	}
	return tok, nil
}

// NewTokenSource returns a token source backed by the token store. The
// token is read once and reused until it expires.
func NewTokenSource(tokens TokenStore, ownerID string) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &keyringSource{tokens: tokens, ownerID: ownerID})
}

// SessionToken converts a login session into a bearer token. The expiry is
// taken from the token's exp claim when it is a JWT, otherwise from the
// lifetime the server reported. A token with neither never expires.
func SessionToken(s *provider.Session, now time.Time) *oauth2.Token {
	tok := &oauth2.Token{AccessToken: s.AccessToken, TokenType: "Bearer"}
	if exp, ok := jwtExpiry(s.AccessToken); ok {
		tok.Expiry = exp
	} else if s.ExpiresIn > 0 {
		tok.Expiry = now.Add(time.Duration(s.ExpiresIn) * time.Second)
	}
	return tok
}

// jwtExpiry reads the exp claim without verifying the signature; only the
// server can verify it, the client just wants to know when to stop.
func jwtExpiry(raw string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
