package values

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Digest represents a content hash with algorithm.
type Digest struct {
	algorithm string // sha256, sha512
	value     string // hex-encoded hash
}

// NewDigest creates a digest from algorithm and hex value.
func NewDigest(algorithm, hexValue string) (Digest, error) {
	switch algorithm {
	case "sha256", "sha512":
	default:
		return Digest{}, fmt.Errorf("unsupported digest algorithm: %s", algorithm)
	}
	if hexValue == "" {
		return Digest{}, fmt.Errorf("empty %s digest", algorithm)
	}

	return Digest{
		algorithm: algorithm,
		value:     strings.ToLower(hexValue),
	}, nil
}

// ParseDigest parses a digest string (e.g., "sha256:abc123...").
// A bare hex value is read as sha256.
func ParseDigest(s string) (Digest, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) == 1 {
		return NewDigest("sha256", parts[0])
	}
	return NewDigest(parts[0], parts[1])
}

// String returns the canonical digest string.
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s:%s", d.algorithm, d.value)
}

// Algorithm returns the hash algorithm.
func (d Digest) Algorithm() string {
	return d.algorithm
}

// Value returns the hex-encoded hash value.
func (d Digest) Value() string {
	return d.value
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d.value == ""
}

// Equals checks equality with another digest.
func (d Digest) Equals(other Digest) bool {
	return d.algorithm == other.algorithm && d.value == other.value
}

// ComputeDigestSHA256 streams r through SHA-256 in chunks of bufSize bytes.
func ComputeDigestSHA256(r io.Reader, bufSize int) (Digest, error) {
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	h := sha256.New()
	buf := make([]byte, bufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Digest{}, err
		}
	}
	return Digest{
		algorithm: "sha256",
		value:     hex.EncodeToString(h.Sum(nil)),
	}, nil
}
