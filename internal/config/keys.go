package config

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/authgate/internal/errs"
)

// MinKeyBits is the smallest RSA modulus accepted for token signing.
const MinKeyBits = 2048

// LoadKeys reads the PEM key pair. Missing paths fall back to the first
// private*.pem / public*.pem found in SecretsDirs. Without a public key file
// the public half of the private key is used.
func (c *Config) LoadKeys() error {
	privPath := c.PrivateKeyPath
	if privPath == "" {
		privPath = findKeyFile(c.SecretsDirs, "private")
	}
	if privPath == "" {
		return fmt.Errorf("%w: no private key configured or found in %v", errs.ErrConfiguration, c.SecretsDirs)
	}
	data, err := os.ReadFile(privPath)
	if err != nil {
		return fmt.Errorf("%w: read private key: %v", errs.ErrConfiguration, err)
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return fmt.Errorf("%w: parse private key %s: %v", errs.ErrConfiguration, privPath, err)
	}
	c.PrivateKey = priv
	c.PrivateKeyPath = privPath

	pubPath := c.PublicKeyPath
	if pubPath == "" {
		pubPath = findKeyFile(c.SecretsDirs, "public")
	}
	if pubPath == "" {
		c.PublicKey = &priv.PublicKey
		return nil
	}
	data, err = os.ReadFile(pubPath)
	if err != nil {
		return fmt.Errorf("%w: read public key: %v", errs.ErrConfiguration, err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return fmt.Errorf("%w: parse public key %s: %v", errs.ErrConfiguration, pubPath, err)
	}
	c.PublicKey = pub
	c.PublicKeyPath = pubPath
	return nil
}

func findKeyFile(dirs []string, kind string) string {
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, kind+"*.pem"))
		if err != nil || len(matches) == 0 {
			continue
		}
		sort.Strings(matches)
		return matches[0]
	}
	return ""
}

// GenerateKeyPair creates an RSA key and returns PKCS#8 private and PKIX public PEM blocks.
func GenerateKeyPair(bits int) (privPEM, pubPEM []byte, err error) {
	if bits < MinKeyBits {
		return nil, nil, fmt.Errorf("%w: key size %d below %d bits", errs.ErrInvalidInput, bits, MinKeyBits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, err
	}
	return EncodeKeyPair(key)
}

// EncodeKeyPair PEM-encodes key and its public half.
func EncodeKeyPair(key *rsa.PrivateKey) (privPEM, pubPEM []byte, err error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, nil
}
