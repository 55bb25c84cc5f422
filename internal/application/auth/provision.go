package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// secretBytes is the entropy of a generated bootstrap secret.
const secretBytes = 32

// CredentialWriter stores new bot credentials.
type CredentialWriter interface {
	CreateCredential(ctx context.Context, botKey, secretHash string) error
}

// ProvisionCredential generates a bootstrap secret for botKey and
// stores its bcrypt hash. The plaintext secret is returned exactly once
// and never persisted.
func ProvisionCredential(ctx context.Context, store CredentialWriter, botKey string) (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}

	if err := store.CreateCredential(ctx, botKey, string(hash)); err != nil {
		return "", fmt.Errorf("failed to store credential: %w", err)
	}
	return secret, nil
}
