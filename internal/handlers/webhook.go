package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/grouphour/groupbot/internal/dispatch"
	"github.com/grouphour/groupbot/internal/event"
	"github.com/grouphour/groupbot/internal/link"
	"github.com/grouphour/groupbot/internal/signature"
)

// maxWebhookBody caps how much of a delivery is read before verification.
const maxWebhookBody = 1 << 20

// linkCookieName carries the signed account-link assertion across the
// browser OAuth round trip.
const linkCookieName = "groupbot_link"

// closeWindowPage ends browser flows that have nothing left to show. The
// OAuth token never reaches the page.
const closeWindowPage = `<!DOCTYPE html>
<html>
<head><title>GroupBot</title></head>
<body>
<p>All set. You can return to your chat.</p>
<script>window.close();</script>
</body>
</html>`

// WebhookHandler receives platform deliveries: signed event posts, the
// endpoint verification handshake, and account-link callbacks.
type WebhookHandler struct {
	verifier     *signature.Verifier
	processor    *dispatch.Processor
	bus          *dispatch.Bus
	correlator   *link.Correlator
	verifyToken  string
	clientSecret string
	logger       *slog.Logger
}

func NewWebhookHandler(
	log *slog.Logger,
	verifier *signature.Verifier,
	processor *dispatch.Processor,
	bus *dispatch.Bus,
	correlator *link.Correlator,
	verifyToken, clientSecret string,
) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		verifier:     verifier,
		processor:    processor,
		bus:          bus,
		correlator:   correlator,
		verifyToken:  verifyToken,
		clientSecret: clientSecret,
		logger:       log.With(slog.String("handler", "webhook")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks", h.HandleEvent)
	e.GET("/webhooks", h.HandleQuery)
}

// HandleEvent acks a signed delivery and dispatches it asynchronously.
// A delivery that fails verification is still acked so the platform stops
// retrying it; the failure goes to the error subscribers instead.
func (h *WebhookHandler) HandleEvent(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}

	if err := h.verifier.Verify(body, c.Request().Header.Get(signature.Header)); err != nil {
		h.logger.Warn("dropping unverified delivery", slog.Any("error", err))
		h.bus.PublishError(err)
		return c.NoContent(http.StatusOK)
	}

	ev, err := event.Classify(body)
	switch {
	case errors.Is(err, event.ErrEmptyPayload):
		return echo.NewHTTPError(http.StatusNotFound, "empty payload")
	case errors.Is(err, event.ErrUnknownKind):
		h.logger.Debug("ignoring delivery", slog.Any("error", err))
		return c.NoContent(http.StatusOK)
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}

	h.processor.DispatchAsync(c.Request().Context(), ev)
	return c.NoContent(http.StatusOK)
}

// HandleQuery serves the two GET-side exchanges: the endpoint verification
// handshake and the account-link browser callback.
func (h *WebhookHandler) HandleQuery(c echo.Context) error {
	switch c.QueryParam("message_type") {
	case "bot_verify":
		return h.handleVerify(c)
	case "account_link":
		return h.handleAccountLink(c)
	default:
		return echo.NewHTTPError(http.StatusForbidden, "unsupported message_type")
	}
}

func (h *WebhookHandler) handleVerify(c echo.Context) error {
	if c.QueryParam("verify_token") != h.verifyToken {
		h.logger.Warn("verification handshake with wrong token")
		return echo.NewHTTPError(http.StatusForbidden, "verify token mismatch")
	}
	return c.String(http.StatusOK, c.QueryParam("bot_challenge"))
}

func (h *WebhookHandler) handleAccountLink(c echo.Context) error {
	raw := c.QueryParam("account_link_token")
	assertion, err := link.VerifyAssertion(raw, h.clientSecret)
	if err != nil {
		h.logger.Warn("rejecting account-link callback", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusPreconditionFailed, "invalid account link token")
	}

	decision, err := h.correlator.HandleCallback(c.Request().Context(), assertion)
	if err != nil {
		// the decision still stands; only the in-chat ack failed
		h.logger.Warn("account-link ack failed", slog.Any("error", err))
	}
	if decision == link.DecisionReplied {
		return c.HTML(http.StatusOK, closeWindowPage)
	}

	c.SetCookie(&http.Cookie{
		Name:     linkCookieName,
		Value:    raw,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return c.Redirect(http.StatusFound, "/auth")
}
