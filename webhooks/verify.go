package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"chatrelay-backend/models"
)

var (
	ErrMissingCredential = errors.New("missing webhook credential")
	ErrInvalidCredential = errors.New("invalid webhook credential")
	ErrUnknownAuthMode   = errors.New("unknown webhook auth mode")
)

// VerifyInput carries the credentials an inbound call presented. Exactly
// one of them is consulted, selected by the integration's auth mode.
type VerifyInput struct {
	SecretHeader    string // X-Webhook-Secret
	QueryToken      string // ?token=
	SignatureHeader string // X-Webhook-Signature: sha256=<hex hmac>
	Body            []byte
}

// Verify authenticates a webhook call against its integration. All three
// modes compare in constant time.
func Verify(integration *models.Integration, in VerifyInput) error {
	switch integration.AuthMode {
	case models.AuthModeSecretHeader:
		return compareSecret(in.SecretHeader, integration.Secret)
	case models.AuthModeQueryToken:
		return compareSecret(in.QueryToken, integration.Secret)
	case models.AuthModeHMAC:
		return verifySignature(in.SignatureHeader, integration.Secret, in.Body)
	}
	return ErrUnknownAuthMode
}

func compareSecret(presented, expected string) error {
	if presented == "" {
		return ErrMissingCredential
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return ErrInvalidCredential
	}
	return nil
}

func verifySignature(header, secret string, body []byte) error {
	sig := strings.TrimSpace(header)
	if sig == "" {
		return ErrMissingCredential
	}
	sig = strings.TrimPrefix(sig, "sha256=")

	provided, err := hex.DecodeString(sig)
	if err != nil {
		return ErrInvalidCredential
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := mac.Sum(nil)

	if !hmac.Equal(provided, expected) {
		return ErrInvalidCredential
	}
	return nil
}

// SignHex computes the hex HMAC signature for a body. Helper for tests and
// for provisioning tools that need to show the expected header value.
func SignHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
