package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/grouphour/groupbot/internal/link"
	"github.com/grouphour/groupbot/internal/oauth"
)

// stateCookieName pins the OAuth2 state to the browser that started the
// flow.
const stateCookieName = "groupbot_oauth_state"

// OAuthHandler drives the browser half of account linking: sending the user
// to the provider and finishing the flow on the way back.
type OAuthHandler struct {
	service      *oauth.Service
	correlator   *link.Correlator
	clientSecret string
	logger       *slog.Logger
}

func NewOAuthHandler(log *slog.Logger, service *oauth.Service, correlator *link.Correlator, clientSecret string) *OAuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &OAuthHandler{
		service:      service,
		correlator:   correlator,
		clientSecret: clientSecret,
		logger:       log.With(slog.String("handler", "oauth")),
	}
}

func (h *OAuthHandler) Register(e *echo.Echo) {
	e.GET("/auth", h.Authorize)
	e.GET("/callback", h.Callback)
}

// Authorize mints a fresh state, pins it to the browser, and forwards to
// the provider's authorize endpoint.
func (h *OAuthHandler) Authorize(c echo.Context) error {
	state := h.service.NewState()
	c.SetCookie(&http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return c.Redirect(http.StatusFound, h.service.AuthCodeURL(state))
}

// Callback validates the returning state, exchanges the code, and completes
// the account link identified by the assertion cookie.
func (h *OAuthHandler) Callback(c echo.Context) error {
	stateCookie, err := c.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != c.QueryParam("state") {
		return echo.NewHTTPError(http.StatusForbidden, "state mismatch")
	}

	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "authorization code is required")
	}

	linkCookie, err := c.Cookie(linkCookieName)
	if err != nil || linkCookie.Value == "" {
		return echo.NewHTTPError(http.StatusPreconditionFailed, "no account link in progress")
	}
	assertion, err := link.VerifyAssertion(linkCookie.Value, h.clientSecret)
	if err != nil {
		return echo.NewHTTPError(http.StatusPreconditionFailed, "invalid account link token")
	}

	token, err := h.service.Exchange(c.Request().Context(), code)
	if err != nil {
		h.logger.Error("code exchange failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, "authorization exchange failed")
	}

	if err := h.correlator.CompleteOAuth(c.Request().Context(), assertion.UserID, token); err != nil {
		// link is recorded; only the chat notification failed
		h.logger.Warn("link completion notice failed", slog.Any("error", err))
	}

	h.clearCookie(c, stateCookieName)
	h.clearCookie(c, linkCookieName)
	return c.HTML(http.StatusOK, closeWindowPage)
}

func (h *OAuthHandler) clearCookie(c echo.Context, name string) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
