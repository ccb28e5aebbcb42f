package handlers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grouphour/groupbot/internal/chat"
	"github.com/grouphour/groupbot/internal/config"
	"github.com/grouphour/groupbot/internal/link"
	"github.com/grouphour/groupbot/internal/oauth"
)

type oauthFixture struct {
	echo       *echo.Echo
	correlator *link.Correlator
	provider   *httptest.Server
}

func newOAuthFixture(t *testing.T) *oauthFixture {
	t.Helper()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"granted","token_type":"bearer"}`))
	}))
	t.Cleanup(provider.Close)

	service := oauth.NewService(config.OAuth2Config{
		ClientID:     "client-1",
		ClientSecret: "hush",
		Endpoint:     provider.URL,
		AuthPath:     "/authorize",
		TokenPath:    "/token",
		RedirectURI:  "https://bot.example.com/callback",
	})
	correlator := link.NewCorrelator(nil, chat.NewFactory(nil, nopSender{}), staticTokens{}, time.Minute)

	h := NewOAuthHandler(nil, service, correlator, testSecret)
	e := echo.New()
	h.Register(e)

	return &oauthFixture{echo: e, correlator: correlator, provider: provider}
}

func TestAuthorize_RedirectsWithPinnedState(t *testing.T) {
	t.Parallel()

	f := newOAuthFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get(echo.HeaderLocation))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", loc.Path)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, stateCookieName, cookies[0].Name)
	assert.Equal(t, cookies[0].Value, loc.Query().Get("state"))
}

func TestCallback_CompletesLink(t *testing.T) {
	t.Parallel()

	f := newOAuthFixture(t)
	raw, err := link.SignAssertion(link.Assertion{
		UserID:   "u-1",
		Username: "alice",
		BinderID: "b-1",
	}, testSecret, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/callback?code=code-42&state=s-1", nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: "s-1"})
	req.AddCookie(&http.Cookie{Name: linkCookieName, Value: raw})
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "window.close()")
	// token never leaks into the response
	assert.NotContains(t, rec.Body.String(), "granted")

	tok, linked := f.correlator.Linked("u-1")
	assert.True(t, linked)
	assert.Equal(t, "granted", tok)

	for _, c := range rec.Result().Cookies() {
		assert.Equal(t, -1, c.MaxAge, "cookie %s should be cleared", c.Name)
	}
}

func TestCallback_StateMismatch(t *testing.T) {
	t.Parallel()

	f := newOAuthFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/callback?code=code-42&state=other", nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: "s-1"})
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCallback_MissingCode(t *testing.T) {
	t.Parallel()

	f := newOAuthFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/callback?state=s-1", nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: "s-1"})
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallback_NoLinkInProgress(t *testing.T) {
	t.Parallel()

	f := newOAuthFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/callback?code=code-42&state=s-1", nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: "s-1"})
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestCallback_ProviderFailure(t *testing.T) {
	t.Parallel()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	t.Cleanup(provider.Close)

	service := oauth.NewService(config.OAuth2Config{
		ClientID:     "client-1",
		ClientSecret: "hush",
		Endpoint:     provider.URL,
		AuthPath:     "/authorize",
		TokenPath:    "/token",
		RedirectURI:  "https://bot.example.com/callback",
	})
	correlator := link.NewCorrelator(nil, chat.NewFactory(nil, nopSender{}), staticTokens{}, time.Minute)
	h := NewOAuthHandler(nil, service, correlator, testSecret)
	e := echo.New()
	h.Register(e)

	raw, err := link.SignAssertion(link.Assertion{UserID: "u-1", BinderID: "b-1"}, testSecret, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/callback?code=bad&state=s-1", nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: "s-1"})
	req.AddCookie(&http.Cookie{Name: linkCookieName, Value: raw})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	_, linked := correlator.Linked("u-1")
	assert.False(t, linked)
}
