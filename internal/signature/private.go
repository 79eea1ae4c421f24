package signature

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// minRSABits is the smallest RSA modulus the key generator accepts.
const minRSABits = 2048

// PrivateKey is a signing key used by the packaging tool.
// Unlike PublicKey, an unsupported algorithm here is an error:
// a signer that cannot sign is useless.
type PrivateKey struct {
	algorithm Algorithm
	rsa       *rsa.PrivateKey
	ed25519   ed25519.PrivateKey
}

// Algorithm returns the scheme this key signs with.
func (k *PrivateKey) Algorithm() Algorithm {
	return k.algorithm
}

// Public returns the verification key corresponding to this signing key.
func (k *PrivateKey) Public() *PublicKey {
	switch k.algorithm {
	case AlgorithmRSA:
		return &PublicKey{algorithm: AlgorithmRSA, rsa: &k.rsa.PublicKey}
	case AlgorithmEd25519:
		pub, _ := k.ed25519.Public().(ed25519.PublicKey)
		return &PublicKey{algorithm: AlgorithmEd25519, ed25519: pub}
	default:
		return &PublicKey{algorithm: AlgorithmUnsupported}
	}
}

// ParsePrivateKey parses a PEM-encoded private key.
// PKCS#8 is the native format; PKCS#1 blocks produced by older
// openssl invocations are accepted for RSA.
func ParsePrivateKey(pemData []byte) (*PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errNoPEMBlock
	}

	var (
		parsed any
		err    error
	)

	if block.Type == "RSA PRIVATE KEY" {
		parsed, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	} else {
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}

	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	switch key := parsed.(type) {
	case *rsa.PrivateKey:
		return &PrivateKey{algorithm: AlgorithmRSA, rsa: key}, nil
	case ed25519.PrivateKey:
		return &PrivateKey{algorithm: AlgorithmEd25519, ed25519: key}, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", parsed)
	}
}

// LoadPrivateKey reads and parses a PEM-encoded private key from disk.
func LoadPrivateKey(path string) (*PrivateKey, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	return ParsePrivateKey(contents)
}

// Sign produces a detached signature of message with the given key.
// The message is the raw binary contents, not a digest of them.
func Sign(key *PrivateKey, message []byte) ([]byte, error) {
	switch key.algorithm {
	case AlgorithmRSA:
		digest := sha256.Sum256(message)

		sig, err := rsa.SignPKCS1v15(rand.Reader, key.rsa, crypto.SHA256, digest[:])
		if err != nil {
			return nil, fmt.Errorf("sign with RSA key: %w", err)
		}

		return sig, nil
	case AlgorithmEd25519:
		return ed25519.Sign(key.ed25519, message), nil
	default:
		return nil, fmt.Errorf("cannot sign with %s key", key.algorithm)
	}
}

// GenerateKey creates a fresh signing key for the requested algorithm.
// rsaBits is only consulted for RSA keys.
func GenerateKey(algorithm Algorithm, rsaBits int) (*PrivateKey, error) {
	switch algorithm {
	case AlgorithmRSA:
		if rsaBits < minRSABits {
			return nil, fmt.Errorf("RSA key must be at least %d bits, got %d", minRSABits, rsaBits)
		}

		key, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return nil, fmt.Errorf("generate RSA key: %w", err)
		}

		return &PrivateKey{algorithm: AlgorithmRSA, rsa: key}, nil
	case AlgorithmEd25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate Ed25519 key: %w", err)
		}

		return &PrivateKey{algorithm: AlgorithmEd25519, ed25519: key}, nil
	default:
		return nil, fmt.Errorf("cannot generate a %s key", algorithm)
	}
}

// EncodePrivateKey renders the key as a PKCS#8 PEM block.
func EncodePrivateKey(key *PrivateKey) ([]byte, error) {
	var raw any

	switch key.algorithm {
	case AlgorithmRSA:
		raw = key.rsa
	case AlgorithmEd25519:
		raw = key.ed25519
	default:
		return nil, fmt.Errorf("cannot encode a %s private key", key.algorithm)
	}

	der, err := x509.MarshalPKCS8PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKey renders the key as a PKIX PEM block, the format the
// device expects its trust anchor in.
func EncodePublicKey(key *PublicKey) ([]byte, error) {
	var raw any

	switch key.algorithm {
	case AlgorithmRSA:
		raw = key.rsa
	case AlgorithmEd25519:
		raw = key.ed25519
	default:
		return nil, fmt.Errorf("cannot encode a %s public key", key.algorithm)
	}

	der, err := x509.MarshalPKIXPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// WriteKeyPair writes the private and public halves of a key pair to
// disk. The private key is readable by its owner only.
func WriteKeyPair(key *PrivateKey, privatePath, publicPath string) error {
	privatePEM, err := EncodePrivateKey(key)
	if err != nil {
		return err
	}

	publicPEM, err := EncodePublicKey(key.Public())
	if err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Clean(privatePath), privatePEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	if err := os.WriteFile(filepath.Clean(publicPath), publicPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	return nil
}
