package values

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalHash returns the SHA-256 hex digest of the RFC 8785 canonical
// JSON form of v. Map keys are sorted, so equal projections hash equally
// regardless of construction order.
func CanonicalHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical hash: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonical hash: transform: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// projectionHash hashes a projection built only from strings, ints, bools,
// nil, slices and string-keyed maps, which always marshal.
func projectionHash(projection map[string]any) string {
	h, err := CanonicalHash(projection)
	if err != nil {
		panic(fmt.Sprintf("values: projection is not hashable: %v", err))
	}
	return h
}
