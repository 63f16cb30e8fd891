package nucleus

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// SigningAlgorithm is the JWS algorithm used for every issued token.
const SigningAlgorithm = "RS256"

// DefaultKeyBits is the modulus size used for generated keys.
const DefaultKeyBits = 2048

// KeyProvider holds the process-wide RSA signing keypair. It is loaded
// once at start-up and never mutated afterwards.
type KeyProvider struct {
	private *rsa.PrivateKey
	kid     string
}

// NewKeyProvider wraps an existing key. When kid is empty the RFC 7638
// thumbprint of the public key is used.
func NewKeyProvider(key *rsa.PrivateKey, kid string) (*KeyProvider, error) {
	if key == nil {
		return nil, errors.New("signing key is nil")
	}
	if kid == "" {
		derived, err := DeriveKeyID(&key.PublicKey)
		if err != nil {
			return nil, err
		}
		kid = derived
	}
	return &KeyProvider{private: key, kid: kid}, nil
}

// GenerateKeyProvider creates a provider around a freshly generated key.
func GenerateKeyProvider(bits int, kid string) (*KeyProvider, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return NewKeyProvider(key, kid)
}

// LoadKeyProvider reads a PEM encoded RSA private key (PKCS1 or PKCS8).
func LoadKeyProvider(path, kid string) (*KeyProvider, error) {
	keyPEM, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	return NewKeyProvider(key, kid)
}

// ParsePrivateKeyPEM decodes an RSA private key from PEM.
func ParsePrivateKeyPEM(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from signing key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is %T, want RSA", parsed)
	}
	return key, nil
}

// EncodePrivateKeyPEM serializes the key as a PKCS8 PEM block.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signing key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// DeriveKeyID computes base64url(SHA-256(JWK canonical form)) per RFC 7638.
func DeriveKeyID(pub *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

func (p *KeyProvider) KeyID() string { return p.kid }

func (p *KeyProvider) PublicKey() *rsa.PublicKey { return &p.private.PublicKey }

// PrivateKey is only meant for the token engine and key export.
func (p *KeyProvider) PrivateKey() *rsa.PrivateKey { return p.private }

// JWKS returns the published key set.
func (p *KeyProvider) JWKS() JSONWebKeySet {
	return JSONWebKeySet{Keys: []JSONWebKey{rsaJWK(p.kid, p.PublicKey())}}
}
