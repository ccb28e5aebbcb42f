// Package signature validates the keyed-hash signature the platform attaches
// to every webhook delivery.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"strings"
)

// Header is the request header carrying the body signature, formatted as
// "<algorithm>=<hex digest>".
const Header = "X-GroupHour-Signature"

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrInvalidSignature = errors.New("request signature mismatch")
)

// Verifier checks webhook body signatures against the bot client secret.
type Verifier struct {
	secret []byte
	logger *slog.Logger
}

func NewVerifier(log *slog.Logger, secret string) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{
		secret: []byte(secret),
		logger: log.With(slog.String("component", "signature")),
	}
}

// Verify recomputes the HMAC of body and compares it to the header value.
// Comparison uses hmac.Equal, so a mismatch takes the same time regardless of
// where the digests diverge.
func (v *Verifier) Verify(body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}

	alg, digest, ok := strings.Cut(header, "=")
	if !ok || digest == "" {
		return fmt.Errorf("%w: malformed header %q", ErrInvalidSignature, header)
	}

	var newHash func() hash.Hash
	switch strings.ToLower(alg) {
	case "sha1":
		newHash = sha1.New
	case "sha256":
		newHash = sha256.New
	default:
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidSignature, alg)
	}

	mac := hmac.New(newHash, v.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(digest))) {
		v.logger.Warn("signature mismatch",
			slog.String("received", digest),
			slog.String("expected", expected),
		)
		return ErrInvalidSignature
	}
	return nil
}
