package values

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"
)

// ErrSourceNotFound is returned when a fingerprint is requested for a path
// that does not resolve to an existing regular file.
var ErrSourceNotFound = errors.New("source file not found")

// fingerprintChunkSize is the read size used while hashing a source file.
const fingerprintChunkSize = 1 << 20

// Fingerprint is the content-addressed identity of an external source file.
// Two fingerprints describe the same version of a source iff their hashes match;
// path, size and modification time are diagnostic only.
type Fingerprint struct {
	modTime time.Time
	path    string
	hash    Digest
	size    int64
}

// NewFingerprint rebuilds a fingerprint from persisted fields.
// modTime is expressed in seconds since the Unix epoch.
func NewFingerprint(path string, size int64, modTime float64, hash Digest) (Fingerprint, error) {
	if hash.IsZero() {
		return Fingerprint{}, fmt.Errorf("fingerprint for %q: hash is required", path)
	}
	sec, frac := math.Modf(modTime)
	return Fingerprint{
		path:    path,
		size:    size,
		modTime: time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		hash:    hash,
	}, nil
}

// ComputeFingerprint resolves path and hashes the entire file.
func ComputeFingerprint(path string) (Fingerprint, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Fingerprint{}, err
	}

	f, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Fingerprint{}, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
		}
		return Fingerprint{}, fmt.Errorf("open source %q: %w", resolved, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return Fingerprint{}, fmt.Errorf("stat source %q: %w", resolved, err)
	}
	if !info.Mode().IsRegular() {
		return Fingerprint{}, fmt.Errorf("%w: %s is not a regular file", ErrSourceNotFound, resolved)
	}

	digest, err := ComputeDigestSHA256(f, fingerprintChunkSize)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("hash source %q: %w", resolved, err)
	}

	return Fingerprint{
		path:    resolved,
		size:    info.Size(),
		modTime: info.ModTime().UTC(),
		hash:    digest,
	}, nil
}

// Path returns the resolved source path.
func (f Fingerprint) Path() string { return f.path }

// Size returns the file size in bytes.
func (f Fingerprint) Size() int64 { return f.size }

// ModTime returns the file modification time.
func (f Fingerprint) ModTime() time.Time { return f.modTime }

// ModTimeSeconds returns the modification time as fractional Unix seconds.
func (f Fingerprint) ModTimeSeconds() float64 {
	return float64(f.modTime.UnixNano()) / 1e9
}

// Hash returns the full-content digest.
func (f Fingerprint) Hash() Digest { return f.hash }

// SameVersion reports whether both fingerprints hash the same content.
func (f Fingerprint) SameVersion(other Fingerprint) bool {
	return f.hash.Equals(other.hash)
}

// MatchesPath reports whether candidate refers to the same underlying file
// as the fingerprinted path. Missing files never match.
func (f Fingerprint) MatchesPath(candidate string) bool {
	resolved, err := resolvePath(candidate)
	if err != nil {
		return false
	}
	a, err := os.Stat(resolved)
	if err != nil {
		return false
	}
	b, err := os.Stat(f.path)
	if err != nil {
		return false
	}
	return os.SameFile(a, b)
}

func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSourceNotFound, path)
		}
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	return resolved, nil
}
