package storage

import (
	"encoding/json"
	"fmt"

	"github.com/zeusync/keeper/internal/core/models"
)

// Codec converts between a key to entity mapping and its JSON object form.
// Entity bodies are decoded into factory-built defaults, so fields missing
// from the file keep their default values.
type Codec[E models.Entity] struct {
	factory models.Factory[E]
	indent  bool
}

func NewCodec[E models.Entity](factory models.Factory[E], indent bool) *Codec[E] {
	return &Codec[E]{factory: factory, indent: indent}
}

// Encode writes entities as one JSON object keyed by id. encoding/json sorts
// map keys, so equal input yields identical bytes.
func (c *Codec[E]) Encode(entities map[string]E) ([]byte, error) {
	if entities == nil {
		entities = map[string]E{}
	}
	if c.indent {
		return json.MarshalIndent(entities, "", "  ")
	}
	return json.Marshal(entities)
}

// Decode parses a JSON object into entities. Syntax and type errors wrap
// ErrCorrupt; a failing factory does not.
func (c *Codec[E]) Decode(data []byte) (map[string]E, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: top level is null, want an object", ErrCorrupt)
	}

	out := make(map[string]E, len(raw))
	for key, body := range raw {
		e, err := c.factory()
		if err != nil {
			return nil, fmt.Errorf("storage: instantiate %q: %w", key, err)
		}
		if err := json.Unmarshal(body, e); err != nil {
			return nil, fmt.Errorf("%w: entity %q: %v", ErrCorrupt, key, err)
		}
		e.SetID(key)
		out[key] = e
	}
	return out, nil
}
