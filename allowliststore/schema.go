package allowliststore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const entrySchemaURL = "https://schemas.reglet.dev/macro-overlay/allowlist-entry.json"

// EntrySchema returns the JSON schema every persisted bundle entry must
// satisfy, reflected from the on-disk record type.
func EntrySchema() ([]byte, error) {
	r := &invopop.Reflector{
		RequiredFromJSONSchemaTags: true,
		AllowAdditionalProperties:  true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	s := r.Reflect(&bundleRecord{})
	s.ID = entrySchemaURL
	s.Title = "Allowlist entry"
	return json.MarshalIndent(s, "", "  ")
}

var compiledEntrySchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	raw, err := EntrySchema()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(entrySchemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("entry schema load failed: %w", err)
	}
	compiled, err := c.Compile(entrySchemaURL)
	if err != nil {
		return nil, fmt.Errorf("entry schema compile failed: %w", err)
	}
	return compiled, nil
})

// normalize converts decoder output (YAML or JSON) into plain JSON values with
// json.Number scalars and without null members, the form the validator and
// the record decoder expect.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return stripNulls(out), nil
}

func stripNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if child == nil {
				delete(t, k)
				continue
			}
			t[k] = stripNulls(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = stripNulls(child)
		}
		return t
	default:
		return v
	}
}

// decodeEntry validates one normalized bundle item and converts it into a
// record.
func decodeEntry(item any) (bundleRecord, error) {
	schema, err := compiledEntrySchema()
	if err != nil {
		return bundleRecord{}, err
	}
	if err := schema.Validate(item); err != nil {
		return bundleRecord{}, err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return bundleRecord{}, err
	}
	var rec bundleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return bundleRecord{}, err
	}
	return rec, nil
}
