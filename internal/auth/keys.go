package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"

	"github.com/google/uuid"
)

// KeySet holds the RS256 signing key. One active key; rotation means
// restarting with a new key and letting old tokens expire.
type KeySet struct {
	privateKey *rsa.PrivateKey
	kid        string
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewKeySet generates an ephemeral signing key.
func NewKeySet() (*KeySet, error) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &KeySet{privateKey: pk, kid: uuid.NewString()}, nil
}

// LoadKeySet parses a PKCS#1 or PKCS#8 PEM private key so tokens survive
// process restarts.
func LoadKeySet(pemBytes []byte) (*KeySet, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block in signing key")
	}

	var key *rsa.PrivateKey
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = k
	} else if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("signing key is not RSA")
		}
		key = rsaKey
	} else {
		return nil, errors.New("unparseable signing key")
	}
	return &KeySet{privateKey: key, kid: uuid.NewString()}, nil
}

func (ks *KeySet) PrivateKey() *rsa.PrivateKey { return ks.privateKey }

func (ks *KeySet) PublicKey() *rsa.PublicKey {
	if ks.privateKey == nil {
		return nil
	}
	return &ks.privateKey.PublicKey
}

func (ks *KeySet) KeyID() string { return ks.kid }

func (ks *KeySet) JWKS() (JWKS, error) {
	pub := ks.PublicKey()
	if pub == nil {
		return JWKS{}, errors.New("missing public key")
	}
	return JWKS{Keys: []JWK{rsaPublicJWK(ks.kid, pub)}}, nil
}

func rsaPublicJWK(kid string, pub *rsa.PublicKey) JWK {
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())

	// RFC7517: exponent is base64url-encoded big-endian.
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())

	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: kid,
		N:   n,
		E:   e,
	}
}
