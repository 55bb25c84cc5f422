package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
)

// KeyID identifies the active signing key in token headers and JWKS.
const KeyID = "auth-key-1"

// SigningKey holds the RSA key pair used to sign and verify session
// tokens.
type SigningKey struct {
	Private *rsa.PrivateKey
	ID      string
}

// LoadOrGenerateKey parses a PEM-encoded RSA private key, or generates
// an ephemeral 2048-bit key when none is configured. Ephemeral keys
// mean sessions do not survive a restart, which is acceptable for
// single-node deployments and is logged loudly.
func LoadOrGenerateKey(ctx context.Context, pemData string) (*SigningKey, error) {
	if pemData == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		slog.WarnContext(ctx, "no signing key configured, generated ephemeral key",
			"kid", KeyID)
		return &SigningKey{Private: key, ID: KeyID}, nil
	}

	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("failed to decode signing key PEM")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &SigningKey{Private: key, ID: KeyID}, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not RSA")
	}
	return &SigningKey{Private: rsaKey, ID: KeyID}, nil
}

// JWK is one RSA public key in JWKS form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the public key set served at the well-known endpoint.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// PublicJWKS renders the verification key set for the signing key.
func (k *SigningKey) PublicJWKS() JWKS {
	pub := k.Private.Public().(*rsa.PublicKey)
	return JWKS{Keys: []JWK{{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: k.ID,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
}
