package values

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Identity is the stable slot of a capability: one function paired with one variant.
type Identity struct {
	FunctionID int
	VariantID  int
}

// NewIdentity creates an identity from a function id and a variant id.
func NewIdentity(functionID, variantID int) Identity {
	return Identity{FunctionID: functionID, VariantID: variantID}
}

// ParseIdentity parses the "function:variant" form produced by String.
func ParseIdentity(s string) (Identity, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return Identity{}, fmt.Errorf("invalid identity %q: expected <function>:<variant>", s)
	}
	fid, err := strconv.Atoi(parts[0])
	if err != nil {
		return Identity{}, fmt.Errorf("invalid function id in %q: %w", s, err)
	}
	vid, err := strconv.Atoi(parts[1])
	if err != nil {
		return Identity{}, fmt.Errorf("invalid variant id in %q: %w", s, err)
	}
	return NewIdentity(fid, vid), nil
}

// String returns "function:variant".
func (i Identity) String() string {
	return fmt.Sprintf("%d:%d", i.FunctionID, i.VariantID)
}

// Compare orders identities by function id, then variant id.
func (i Identity) Compare(other Identity) int {
	if c := cmp.Compare(i.FunctionID, other.FunctionID); c != 0 {
		return c
	}
	return cmp.Compare(i.VariantID, other.VariantID)
}
