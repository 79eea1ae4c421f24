package signature

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/logger"
)

// Algorithm identifies the signature scheme bound to a key.
// The zero value is deliberately the unsupported one, so a zero
// PublicKey can never verify anything.
type Algorithm int

const (
	// AlgorithmUnsupported marks keys this agent cannot verify with.
	AlgorithmUnsupported Algorithm = iota
	// AlgorithmRSA is RSA PKCS#1 v1.5 over a SHA-256 digest.
	AlgorithmRSA
	// AlgorithmEd25519 is Ed25519 over the raw message.
	AlgorithmEd25519
)

// String implements fmt.Stringer.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmRSA:
		return "rsa-pkcs1v15-sha256"
	case AlgorithmEd25519:
		return "ed25519"
	default:
		return "unsupported"
	}
}

// ParseAlgorithm converts CLI or config input to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "rsa":
		return AlgorithmRSA, nil
	case "ed25519":
		return AlgorithmEd25519, nil
	default:
		return AlgorithmUnsupported, fmt.Errorf("unknown signature algorithm %q", s)
	}
}

// PublicKey is a parsed trust anchor. Exactly one of the key fields is
// set, selected by the algorithm tag.
type PublicKey struct {
	algorithm Algorithm
	rsa       *rsa.PublicKey
	ed25519   ed25519.PublicKey
}

// Algorithm returns the scheme this key verifies with.
func (k *PublicKey) Algorithm() Algorithm {
	return k.algorithm
}

// errNoPEMBlock is returned when key material contains no PEM block at all.
var errNoPEMBlock = errors.New("no PEM block found in key material")

// ParsePublicKey parses a PEM-encoded PKIX (SubjectPublicKeyInfo) public key.
// Keys of types other than RSA and Ed25519 parse successfully but are
// tagged unsupported, so verification with them always fails.
func ParsePublicKey(pemData []byte) (*PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errNoPEMBlock
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	switch key := parsed.(type) {
	case *rsa.PublicKey:
		return &PublicKey{algorithm: AlgorithmRSA, rsa: key}, nil
	case ed25519.PublicKey:
		return &PublicKey{algorithm: AlgorithmEd25519, ed25519: key}, nil
	default:
		return &PublicKey{algorithm: AlgorithmUnsupported}, nil
	}
}

// LoadPublicKey reads and parses a PEM-encoded public key from disk.
// A missing file is reported as-is so callers can distinguish
// "not provisioned" from "malformed" with errors.Is(err, os.ErrNotExist).
func LoadPublicKey(path string) (*PublicKey, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}

	return ParsePublicKey(contents)
}

// Verify reports whether sig is a valid signature of message under key.
// It never returns an error: every failure mode, including malformed
// signatures and unsupported key types, collapses to false.
func Verify(ctx context.Context, key *PublicKey, message, sig []byte) bool {
	if key == nil {
		logger.Warn(ctx, "Signature verification attempted without a key")
		return false
	}

	switch key.algorithm {
	case AlgorithmRSA:
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPKCS1v15(key.rsa, crypto.SHA256, digest[:], sig); err != nil {
			logger.DebugKV(ctx, "Signature rejected", "algorithm", key.algorithm, "reason", err)
			return false
		}

		return true
	case AlgorithmEd25519:
		if len(key.ed25519) != ed25519.PublicKeySize {
			return false
		}

		if !ed25519.Verify(key.ed25519, message, sig) {
			logger.DebugKV(ctx, "Signature rejected", "algorithm", key.algorithm)
			return false
		}

		return true
	default:
		logger.WarnKV(ctx, "Trusted key uses an unsupported algorithm", "algorithm", key.algorithm)
		return false
	}
}
