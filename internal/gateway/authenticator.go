package gateway

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// Authenticator handles ED25519 signature verification for payment
// gateway webhooks.
//
// The gateway operator signs the raw request body offline with a
// private key. The server stores only the public key to verify
// signatures, so a forged "funds received" call is rejected before
// any wallet mutation.
type Authenticator struct {
	publicKey ed25519.PublicKey
}

// NewAuthenticator creates a new Authenticator from a Base64-encoded public key.
func NewAuthenticator(publicKeyBase64 string) (*Authenticator, error) {
	if publicKeyBase64 == "" {
		return nil, fmt.Errorf("gateway verify key not configured")
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoded public key: %w", err)
	}

	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key size: expected %d, got %d", ed25519.PublicKeySize, len(publicKeyBytes))
	}

	return &Authenticator{
		publicKey: ed25519.PublicKey(publicKeyBytes),
	}, nil
}

// VerifyBody checks the Base64-encoded signature over the raw
// webhook body.
func (a *Authenticator) VerifyBody(body []byte, signatureBase64 string) error {
	if signatureBase64 == "" {
		return fmt.Errorf("missing webhook signature")
	}

	signatureBytes, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return fmt.Errorf("invalid base64 encoded signature: %w", err)
	}

	if !ed25519.Verify(a.publicKey, body, signatureBytes) {
		return fmt.Errorf("webhook signature verification failed")
	}

	return nil
}
