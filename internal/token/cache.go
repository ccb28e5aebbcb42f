// Package token caches per-tenant bot access tokens and refreshes them
// through the platform's signed token-exchange endpoint.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrExchangeFailed wraps token-exchange failures. Failed refreshes are
// never cached; the next Get retries.
var ErrExchangeFailed = errors.New("token exchange failed")

// Token is one cached tenant entry. Entries are replaced whole on refresh,
// never partially updated.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// ExchangeRequest is the signed request sent to the token endpoint.
type ExchangeRequest struct {
	ClientID  string
	OrgID     string
	Timestamp string
	Signature string
}

// ExchangeResponse is the token endpoint's reply.
type ExchangeResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Exchanger performs the token exchange against the platform. Implemented by
// HTTPExchanger; tests substitute fakes.
type Exchanger interface {
	Exchange(ctx context.Context, req ExchangeRequest) (ExchangeResponse, error)
}

// Cache holds one token per tenant (org). Fresh reads are lock-cheap and
// never touch the network; expired entries refresh through a single-flight
// group so concurrent callers share one outstanding exchange.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Token

	group     singleflight.Group
	secret    []byte
	exchanger Exchanger
	logger    *slog.Logger

	// now is a test seam; defaults to time.Now.
	now func() time.Time
}

func NewCache(log *slog.Logger, clientSecret string, exchanger Exchanger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		entries:   map[string]Token{},
		secret:    []byte(clientSecret),
		exchanger: exchanger,
		logger:    log.With(slog.String("component", "token_cache")),
		now:       time.Now,
	}
}

// Get returns the tenant's token, refreshing it when absent or expired.
// Concurrent calls for the same tenant during an expiry window collapse
// into one exchange request whose result fans out to every waiter.
func (c *Cache) Get(ctx context.Context, clientID, orgID string) (Token, error) {
	if tok, ok := c.lookup(orgID); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do(orgID, func() (any, error) {
		// A waiter queued behind the refresh that just completed sees the
		// fresh entry here instead of issuing another exchange.
		if tok, ok := c.lookup(orgID); ok {
			return tok, nil
		}
		return c.refresh(ctx, clientID, orgID)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

func (c *Cache) lookup(orgID string) (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.entries[orgID]
	if !ok || !c.now().Before(tok.ExpiresAt) {
		return Token{}, false
	}
	return tok, true
}

func (c *Cache) refresh(ctx context.Context, clientID, orgID string) (Token, error) {
	now := c.now()
	timestamp := strconv.FormatInt(now.UnixMilli(), 10)

	resp, err := c.exchanger.Exchange(ctx, ExchangeRequest{
		ClientID:  clientID,
		OrgID:     orgID,
		Timestamp: timestamp,
		Signature: Sign(c.secret, clientID, orgID, timestamp),
	})
	if err != nil {
		c.logger.Warn("token refresh failed",
			slog.String("org_id", orgID),
			slog.Any("error", err),
		)
		return Token{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	tok := Token{
		AccessToken: resp.AccessToken,
		ExpiresAt:   now.Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	c.mu.Lock()
	c.entries[orgID] = tok
	c.mu.Unlock()

	c.logger.Debug("token refreshed",
		slog.String("org_id", orgID),
		slog.Time("expires_at", tok.ExpiresAt),
	)
	return tok, nil
}

// Sign computes the URL-safe request signature over clientID ∥ orgID ∥
// timestamp with the bot client secret.
func Sign(secret []byte, clientID, orgID, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(clientID))
	mac.Write([]byte(orgID))
	mac.Write([]byte(timestamp))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
