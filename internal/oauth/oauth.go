// Package oauth wraps the third-party authorization server used to link
// platform users to external accounts.
package oauth

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/grouphour/groupbot/internal/config"
)

// Service drives the authorization-code flow against the configured
// provider.
type Service struct {
	cfg oauth2.Config
}

func NewService(cfg config.OAuth2Config) *Service {
	base := strings.TrimRight(cfg.Endpoint, "/")
	return &Service{
		cfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:  base + ensureLeadingSlash(cfg.AuthPath),
				TokenURL: base + ensureLeadingSlash(cfg.TokenPath),
			},
		},
	}
}

// NewState mints a fresh unguessable state value for one authorization
// round trip.
func (s *Service) NewState() string {
	return uuid.NewString()
}

// AuthCodeURL builds the provider authorize URL carrying the state.
func (s *Service) AuthCodeURL(state string) string {
	return s.cfg.AuthCodeURL(state)
}

// Exchange trades the authorization code for an access token.
func (s *Service) Exchange(ctx context.Context, code string) (string, error) {
	tok, err := s.cfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok.AccessToken, nil
}

func ensureLeadingSlash(p string) string {
	if p == "" || strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
