// Package config loads the overlay configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/reglet-dev/macro-overlay/allowliststore"
)

// SecurityLevel controls how the review flow treats pending changes.
type SecurityLevel string

const (
	// SecurityStrict requires an interactive reviewer and persisted decisions.
	SecurityStrict SecurityLevel = "strict"
	// SecurityStandard prompts for every pending change.
	SecurityStandard SecurityLevel = "standard"
	// SecurityPermissive auto-approves soft changes.
	SecurityPermissive SecurityLevel = "permissive"
)

// Environment variables that override file settings.
const (
	EnvEnabled          = "MACRO_OVERLAY_ENABLED"
	EnvDocumentName     = "MACRO_OVERLAY_DOCUMENT"
	EnvSessionApprovals = "MACRO_OVERLAY_SESSION_APPROVALS"
)

// Overlay is the overlay configuration.
type Overlay struct {
	DocumentName          string        `yaml:"document_name"`
	SecurityLevel         SecurityLevel `yaml:"security_level"`
	Enabled               bool          `yaml:"enabled"`
	AllowSessionApprovals bool          `yaml:"allow_session_approvals"`
}

// Default returns the configuration used when no file exists. The overlay
// is disabled until explicitly enabled.
func Default() Overlay {
	return Overlay{
		DocumentName:  allowliststore.DefaultFileName,
		SecurityLevel: SecurityStandard,
	}
}

// Load reads the configuration at path. A missing file yields Default().
// Unknown keys are rejected.
func Load(path string) (Overlay, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Overlay{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return Overlay{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.DocumentName == "" {
		cfg.DocumentName = allowliststore.DefaultFileName
	}
	if cfg.SecurityLevel == "" {
		cfg.SecurityLevel = SecurityStandard
	}
	return cfg, nil
}

// ApplyEnv returns cfg with environment overrides applied. lookup is usually
// os.LookupEnv.
func (o Overlay) ApplyEnv(lookup func(string) (string, bool)) (Overlay, error) {
	if v, ok := lookup(EnvEnabled); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return Overlay{}, fmt.Errorf("invalid %s: %w", EnvEnabled, err)
		}
		o.Enabled = b
	}
	if v, ok := lookup(EnvDocumentName); ok && strings.TrimSpace(v) != "" {
		o.DocumentName = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvSessionApprovals); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return Overlay{}, fmt.Errorf("invalid %s: %w", EnvSessionApprovals, err)
		}
		o.AllowSessionApprovals = b
	}
	return o, nil
}

// Validate checks the document name and security level.
func (o Overlay) Validate() error {
	if o.DocumentName == "" {
		return errors.New("document_name is required")
	}
	if strings.ContainsAny(o.DocumentName, `/\`) || o.DocumentName == "." || o.DocumentName == ".." {
		return fmt.Errorf("document_name %q must be a file name inside the source directory", o.DocumentName)
	}
	if _, err := allowliststore.CodecFor(o.DocumentName); err != nil {
		return err
	}
	switch o.SecurityLevel {
	case SecurityStrict, SecurityStandard, SecurityPermissive:
	default:
		return fmt.Errorf("unknown security_level %q", o.SecurityLevel)
	}
	return nil
}
