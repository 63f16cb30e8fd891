package nucleus

import (
	"crypto/rsa"
	"encoding/base64"
	"math/big"
)

// JSONWebKey is the public half of an RSA signing key as published in the
// key set.
type JSONWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JSONWebKeySet is the document served at /jwks.json.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// rsaJWK encodes the modulus and exponent as unpadded base64url big-endian
// integers.
func rsaJWK(kid string, pub *rsa.PublicKey) JSONWebKey {
	return JSONWebKey{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: SigningAlgorithm,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
