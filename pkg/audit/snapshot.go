package audit

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Snapshot is a record's field values in insertion order. Diffing walks the
// keys in this order, so emitted entries follow it too.
type Snapshot struct {
	keys   []string
	values map[string]interface{}
}

// NewSnapshot creates an empty snapshot
func NewSnapshot() *Snapshot {
	return &Snapshot{values: make(map[string]interface{})}
}

// Set stores a value. A key that is already present keeps its position.
func (s *Snapshot) Set(key string, value interface{}) *Snapshot {
	if _, exists := s.values[key]; !exists {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
	return s
}

// Get returns the value for key and whether the key is present
func (s *Snapshot) Get(key string) (interface{}, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.values[key]
	return v, ok
}

// Keys returns the keys in insertion order
func (s *Snapshot) Keys() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Len returns the number of fields
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// ParseSnapshot decodes a JSON object keeping the order of its top-level keys.
// Nested objects and arrays decode to map[string]interface{} and []interface{}, numbers to
// float64. A repeated key keeps its first position and its last value.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("snapshot is not valid JSON")
	}
	result := gjson.ParseBytes(data)
	if !result.IsObject() {
		return nil, fmt.Errorf("snapshot must be a JSON object")
	}

	s := NewSnapshot()
	result.ForEach(func(key, value gjson.Result) bool {
		s.Set(key.String(), ownArrays(value.Value()))
		return true
	})
	return s, nil
}

// ownArrays gives every decoded array its own backing storage. Empty slices
// otherwise share one address and would compare as the same reference.
func ownArrays(v interface{}) interface{} {
	switch t := v.(type) {
	case []interface{}:
		if cap(t) == 0 {
			return make([]interface{}, 0, 1)
		}
		for i := range t {
			t[i] = ownArrays(t[i])
		}
	case map[string]interface{}:
		for k := range t {
			t[k] = ownArrays(t[k])
		}
	}
	return v
}

// SnapshotOf converts a struct or map into a snapshot through its JSON form.
// Struct fields keep their declaration order; map keys come out sorted.
func SnapshotOf(v interface{}) (*Snapshot, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return ParseSnapshot(data)
}

// MarshalJSON writes the fields as an object in insertion order
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range s.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(s.values[key])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler with ParseSnapshot semantics
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	parsed, err := ParseSnapshot(data)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}
