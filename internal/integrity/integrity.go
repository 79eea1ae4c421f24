package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// chunkSize is the read buffer used when hashing streams.
// Binaries are hashed in fixed chunks so devices with little
// memory never hold a whole image at once.
const chunkSize = 4096

// digestHexLength is the length of a lowercase hex SHA-256 digest.
const digestHexLength = sha256.Size * 2

// Digest is a lowercase hex-encoded SHA-256 digest of file contents.
type Digest string

// String implements fmt.Stringer.
func (d Digest) String() string {
	return string(d)
}

// Equal reports whether two digests match exactly.
// Digests are normalized at parse time, so plain comparison is enough.
func (d Digest) Equal(other Digest) bool {
	return d == other
}

// ParseDigest validates a digest string read from an untrusted source.
// Surrounding whitespace is trimmed and uppercase hex is accepted,
// but the result is always the canonical lowercase form.
func ParseDigest(s string) (Digest, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	if len(s) != digestHexLength {
		return "", fmt.Errorf("digest must be %d hex characters, got %d", digestHexLength, len(s))
	}

	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("digest is not valid hex: %w", err)
	}

	return Digest(s), nil
}

// Bytes returns the raw digest bytes.
// It must only be called on digests produced by this package.
func (d Digest) Bytes() ([]byte, error) {
	raw, err := hex.DecodeString(string(d))
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}

	return raw, nil
}

// SumReader hashes everything the reader yields and returns the digest.
func SumReader(r io.Reader) (Digest, error) {
	hasher := sha256.New()

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(hasher, r, buf); err != nil {
		return "", fmt.Errorf("hash contents: %w", err)
	}

	return Digest(hex.EncodeToString(hasher.Sum(nil))), nil
}

// SumFile hashes the contents of the file at the given path.
func SumFile(path string) (Digest, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("open file for hashing: %w", err)
	}
	defer file.Close()

	return SumReader(file)
}
