package values

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewDigest(t *testing.T) {
	tests := []struct {
		name    string
		algo    string
		val     string
		wantErr bool
	}{
		{"ValidSHA256", "sha256", "abc123456", false},
		{"ValidSHA512", "sha512", "abc123456", false},
		{"InvalidAlgo", "md5", "abc123456", true},
		{"EmptyValue", "sha256", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewDigest(tt.algo, tt.val)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewDigest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if got.Algorithm() != tt.algo {
					t.Errorf("Algorithm() = %v, want %v", got.Algorithm(), tt.algo)
				}
				if got.Value() != tt.val {
					t.Errorf("Value() = %v, want %v", got.Value(), tt.val)
				}
			}
		})
	}
}

func TestParseDigest(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		valid     bool
		wantAlgo  string
		wantValue string
	}{
		{"ValidSHA256", "sha256:abcd", true, "sha256", "abcd"},
		{"ValidSHA512", "sha512:1234", true, "sha512", "1234"},
		{"BareHex", "abcd", true, "sha256", "abcd"},
		{"UpperCase", "sha256:ABCD", true, "sha256", "abcd"},
		{"MissingAlgo", ":abcd", false, "", ""},
		{"MissingValue", "sha256:", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDigest(tt.input)
			if !tt.valid {
				if err == nil {
					t.Errorf("ParseDigest(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDigest() unexpected error = %v", err)
			}
			if got.Algorithm() != tt.wantAlgo || got.Value() != tt.wantValue {
				t.Errorf("ParseDigest() = %s, want %s:%s", got, tt.wantAlgo, tt.wantValue)
			}
		})
	}
}

func TestComputeDigestSHA256_ChunkSizeIndependent(t *testing.T) {
	data := bytes.Repeat([]byte("overlay"), 10_000)

	small, err := ComputeDigestSHA256(bytes.NewReader(data), 7)
	if err != nil {
		t.Fatalf("small chunks: %v", err)
	}
	large, err := ComputeDigestSHA256(bytes.NewReader(data), 1<<20)
	if err != nil {
		t.Fatalf("large chunks: %v", err)
	}
	if !small.Equals(large) {
		t.Errorf("digests differ: %s vs %s", small, large)
	}
	if !strings.HasPrefix(small.String(), "sha256:") {
		t.Errorf("String() = %q, want sha256 prefix", small.String())
	}
}
