// Package link correlates in-chat account-link requests with the browser
// OAuth2 flow that completes them.
package link

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	claimUserID   = "user_id"
	claimUsername = "username"
	claimBinderID = "binder_id"
	claimClientID = "client_id"
	claimOrgID    = "org_id"
)

// ErrAssertionInvalid reports a link assertion that failed verification.
// The transport maps it to 412 Precondition Failed.
var ErrAssertionInvalid = errors.New("invalid link assertion")

// Assertion is the platform-signed identity carried by the account-link
// callback. It names who clicked the link button and where.
type Assertion struct {
	UserID   string
	Username string
	BinderID string
	ClientID string
	OrgID    string
}

// VerifyAssertion parses and verifies an HS256 assertion token signed with
// the bot client secret.
func VerifyAssertion(raw, secret string) (Assertion, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Assertion{}, fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Assertion{}, ErrAssertionInvalid
	}

	a := Assertion{
		UserID:   claimString(claims, claimUserID),
		Username: claimString(claims, claimUsername),
		BinderID: claimString(claims, claimBinderID),
		ClientID: claimString(claims, claimClientID),
		OrgID:    claimString(claims, claimOrgID),
	}
	if strings.TrimSpace(a.UserID) == "" || strings.TrimSpace(a.BinderID) == "" {
		return Assertion{}, fmt.Errorf("%w: identity claims missing", ErrAssertionInvalid)
	}
	return a, nil
}

// SignAssertion creates a signed assertion token. The platform normally
// issues these; tests and local tooling use this to mint them.
func SignAssertion(a Assertion, secret string, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 {
		return "", fmt.Errorf("assertion expires in must be positive")
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		claimUserID:   a.UserID,
		claimUsername: a.Username,
		claimBinderID: a.BinderID,
		claimClientID: a.ClientID,
		claimOrgID:    a.OrgID,
		"iat":         now.Unix(),
		"exp":         now.Add(expiresIn).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
