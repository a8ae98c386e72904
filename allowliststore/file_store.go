// Package allowliststore persists allowlist documents next to the source they
// describe.
package allowliststore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/reglet-dev/macro-overlay/entities"
	"github.com/reglet-dev/macro-overlay/values"
)

// DefaultFileName is the allowlist document name inside the source directory.
const DefaultFileName = "function_param_allowed.yaml"

// supportedVersions gates the document format major version.
var supportedVersions = func() *semver.Constraints {
	c, err := semver.NewConstraint(">= 1, < 2")
	if err != nil {
		panic(err)
	}
	return c
}()

// fileStoreConfig holds configuration for the FileStore.
type fileStoreConfig struct {
	logger   *slog.Logger
	now      func() time.Time
	fileName string
	dirPerm  os.FileMode
	filePerm os.FileMode
}

func defaultFileStoreConfig() fileStoreConfig {
	return fileStoreConfig{
		logger:   slog.Default(),
		now:      time.Now,
		fileName: DefaultFileName,
		dirPerm:  0o755,
		filePerm: 0o644,
	}
}

// Option configures a FileStore instance.
type Option func(*fileStoreConfig)

// WithFileName sets the document file name. The extension selects the codec.
func WithFileName(name string) Option {
	return func(c *fileStoreConfig) {
		if name != "" {
			c.fileName = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *fileStoreConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the time source for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *fileStoreConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// FileStore stores one allowlist document inside a directory.
// Writes are atomic (temp file + rename) and serialized by an advisory lock
// on "<document>.lock".
type FileStore struct {
	codec  Codec
	dir    string
	config fileStoreConfig
}

// NewFileStore opens the store for dir, creating the directory if needed.
// It fails when dir exists but is not a directory.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	cfg := defaultFileStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.fileName != filepath.Base(cfg.fileName) || strings.ContainsAny(cfg.fileName, `/\`) ||
		cfg.fileName == "." || cfg.fileName == ".." {
		return nil, fmt.Errorf("allowlist document %q must live inside the source directory", cfg.fileName)
	}
	codec, err := CodecFor(cfg.fileName)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store directory %q: %w", dir, err)
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("allowlist store folder %q must be a directory", abs)
	}
	if err := os.MkdirAll(abs, cfg.dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &FileStore{codec: codec, dir: abs, config: cfg}, nil
}

// Path returns the document path.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, s.config.fileName)
}

func (s *FileStore) lockPath() string {
	return s.Path() + ".lock"
}

// Load reads the document. A missing file yields an empty version 1
// document. Malformed entries are skipped and logged.
func (s *FileStore) Load() (*entities.AllowlistDocument, error) {
	raw, err := s.readRaw()
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return entities.NewAllowlistDocument(), nil
	}

	doc := entities.NewAllowlistDocument()
	version, err := documentVersion(raw["version"])
	if err != nil {
		return nil, err
	}
	doc.Version = version

	if fp, ok := raw["fingerprint"].(map[string]any); ok {
		fingerprint, err := decodeFingerprint(fp)
		if err != nil {
			s.config.logger.Warn("ignoring malformed allowlist fingerprint", "path", s.Path(), "error", err)
		} else {
			doc.Fingerprint = &fingerprint
		}
	}

	bundles, _ := raw["bundles"].([]any)
	for i, item := range bundles {
		rec, err := decodeEntry(item)
		if err != nil {
			s.config.logger.Warn("skipping malformed allowlist entry",
				"path", s.Path(), "index", i, "error", err)
			continue
		}
		doc.MergeEntry(rec.toEntry())
	}

	doc.Audit = decodeAudit(raw["audit"])
	return doc, nil
}

// Write persists doc and appends one audit record. Audit records written by
// other writers since doc was loaded are preserved. doc.Audit is updated only
// when the write succeeds.
func (s *FileStore) Write(
	doc *entities.AllowlistDocument,
	action entities.AuditAction,
	user string,
	details map[string]any,
) error {
	if doc == nil {
		return errors.New("allowlist document is nil")
	}

	record := entities.AuditRecord{
		ID:        uuid.NewString(),
		Timestamp: s.config.now().UTC(),
		Action:    action,
		User:      user,
		Details:   details,
	}

	unlock, err := acquireLock(s.lockPath(), s.config.filePerm)
	if err != nil {
		return err
	}
	defer unlock()

	var onDisk []entities.AuditRecord
	if raw, err := s.readRaw(); err != nil {
		s.config.logger.Warn("ignoring unreadable audit log", "path", s.Path(), "error", err)
	} else if raw != nil {
		onDisk = decodeAudit(raw["audit"])
	}
	audit := append(mergeAudit(onDisk, doc.Audit), record)

	out := documentFile{
		Version:     doc.Version,
		Fingerprint: fromFingerprint(doc.Fingerprint),
		Bundles:     make([]bundleRecord, 0, doc.EntryCount()),
		Audit:       make([]map[string]any, 0, len(audit)),
	}
	if out.Version == 0 {
		out.Version = entities.DocumentVersion
	}
	for _, e := range doc.SortedEntries() {
		out.Bundles = append(out.Bundles, fromEntry(e))
	}
	for _, rec := range audit {
		out.Audit = append(out.Audit, fromAudit(rec))
	}

	data, err := s.codec.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal allowlist: %w", err)
	}
	if err := s.writeAtomic(data); err != nil {
		return err
	}

	doc.Audit = audit
	s.config.logger.Debug("allowlist written", "path", s.Path(), "action", action, "entries", len(out.Bundles))
	return nil
}

// readRaw returns the normalized top-level mapping, or nil when the document
// does not exist.
func (s *FileStore) readRaw() (map[string]any, error) {
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open directory %q: %w", s.dir, err)
	}
	defer func() { _ = root.Close() }()

	file, err := root.Open(s.config.fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open allowlist %q: %w", s.config.fileName, err)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowlist: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]any{}, nil
	}

	var decoded any
	if err := s.codec.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse allowlist: %w", err)
	}
	normalized, err := normalize(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to parse allowlist: %w", err)
	}
	switch doc := normalized.(type) {
	case map[string]any:
		return doc, nil
	case nil:
		return map[string]any{}, nil
	default:
		return nil, fmt.Errorf("failed to parse allowlist: top level is %T, want mapping", normalized)
	}
}

func (s *FileStore) writeAtomic(data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+s.config.fileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp allowlist: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write allowlist: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync allowlist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close allowlist: %w", err)
	}
	if err := os.Chmod(tmpName, s.config.filePerm); err != nil {
		cleanup()
		return fmt.Errorf("failed to set allowlist permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace allowlist: %w", err)
	}
	return nil
}

// documentVersion applies the format gate. Missing or zero means version 1.
func documentVersion(v any) (int, error) {
	if v == nil {
		return entities.DocumentVersion, nil
	}
	raw := strings.TrimSpace(fmt.Sprint(v))
	if raw == "" || raw == "0" {
		return entities.DocumentVersion, nil
	}
	ver, err := semver.NewVersion(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", entities.ErrUnsupportedDocument, raw)
	}
	if !supportedVersions.Check(ver) {
		return 0, fmt.Errorf("%w: %s", entities.ErrUnsupportedDocument, raw)
	}
	return int(ver.Major()), nil
}

func decodeFingerprint(raw map[string]any) (values.Fingerprint, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return values.Fingerprint{}, err
	}
	var rec fingerprintRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return values.Fingerprint{}, err
	}
	return rec.toFingerprint()
}

func decodeAudit(v any) []entities.AuditRecord {
	items, _ := v.([]any)
	out := make([]entities.AuditRecord, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, toAudit(m))
		}
	}
	return out
}
