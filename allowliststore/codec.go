package allowliststore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Codec serializes the allowlist document.
type Codec interface {
	// Marshal encodes a document DTO.
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes raw bytes into v.
	Unmarshal(data []byte, v any) error
}

// YAMLCodec implements Codec for YAML documents.
type YAMLCodec struct{}

// Marshal encodes v as YAML.
func (YAMLCodec) Marshal(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

// Unmarshal decodes YAML bytes into v.
func (YAMLCodec) Unmarshal(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

// JSONCodec implements Codec for JSON documents.
type JSONCodec struct{}

// Marshal encodes v as indented JSON with a trailing newline.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Unmarshal decodes JSON bytes into v.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// CodecFor selects a codec from the document file extension.
func CodecFor(fileName string) (Codec, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".yaml", ".yml":
		return YAMLCodec{}, nil
	case ".json":
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported allowlist document extension %q", filepath.Ext(fileName))
	}
}
