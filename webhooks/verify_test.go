package webhooks

import (
	"errors"
	"testing"

	"chatrelay-backend/models"
)

func integrationWith(mode, secret string) *models.Integration {
	return &models.Integration{
		PublicId: "pub-1",
		TenantId: "t1",
		Provider: "evolution",
		AuthMode: mode,
		Secret:   secret,
	}
}

func TestVerifySecretHeader(t *testing.T) {
	integ := integrationWith(models.AuthModeSecretHeader, "s3cret-s3cret")

	if err := Verify(integ, VerifyInput{SecretHeader: "s3cret-s3cret"}); err != nil {
		t.Fatalf("valid secret rejected: %v", err)
	}
	if err := Verify(integ, VerifyInput{SecretHeader: "wrong"}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("wrong secret: %v", err)
	}
	if err := Verify(integ, VerifyInput{}); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("missing secret: %v", err)
	}
	// the query token must not satisfy header mode
	if err := Verify(integ, VerifyInput{QueryToken: "s3cret-s3cret"}); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("auth modes must be mutually exclusive: %v", err)
	}
}

func TestVerifyQueryToken(t *testing.T) {
	integ := integrationWith(models.AuthModeQueryToken, "tok-tok-tok-tok")

	if err := Verify(integ, VerifyInput{QueryToken: "tok-tok-tok-tok"}); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if err := Verify(integ, VerifyInput{QueryToken: "nope"}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("wrong token: %v", err)
	}
}

func TestVerifyHMACSignature(t *testing.T) {
	integ := integrationWith(models.AuthModeHMAC, "hmac-secret-key1")
	body := []byte(`{"event":"messages.upsert","data":{"key":{"id":"m1"}}}`)

	sig := SignHex(integ.Secret, body)

	if err := Verify(integ, VerifyInput{SignatureHeader: "sha256=" + sig, Body: body}); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	// bare hex without the sha256= prefix is also accepted
	if err := Verify(integ, VerifyInput{SignatureHeader: sig, Body: body}); err != nil {
		t.Fatalf("unprefixed signature rejected: %v", err)
	}
	// signature over different body
	if err := Verify(integ, VerifyInput{SignatureHeader: "sha256=" + sig, Body: []byte(`{}`)}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("tampered body accepted: %v", err)
	}
	// garbage signature
	if err := Verify(integ, VerifyInput{SignatureHeader: "sha256=zzzz", Body: body}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("non-hex signature: %v", err)
	}
	if err := Verify(integ, VerifyInput{Body: body}); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("missing signature: %v", err)
	}
}

func TestVerifyUnknownMode(t *testing.T) {
	integ := integrationWith("mtls", "whatever")
	if err := Verify(integ, VerifyInput{}); !errors.Is(err, ErrUnknownAuthMode) {
		t.Fatalf("unknown mode: %v", err)
	}
}
