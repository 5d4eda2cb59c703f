package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrMissingSignature = errors.New("missing signature headers")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrNoAppSecret      = errors.New("no app secret configured")
)

// VerifyHubSignature checks X-Hub-Signature-256 ("sha256=<hex>") over body.
// Without an app secret nothing can be verified, so every delivery fails.
func VerifyHubSignature(appSecret, header string, body []byte) error {
	if appSecret == "" {
		return ErrNoAppSecret
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || sig == "" {
		return ErrMissingSignature
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}
