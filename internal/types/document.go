package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Document is an opaque JSON object exchanged with the external services
// (transcripts, sentiment results).
type Document map[string]any

// Text returns the "text" field or an empty string.
func (d Document) Text() string {
	return d.String("text")
}

// Model returns the transcription model name, if present.
func (d Document) Model() string {
	return d.String("model")
}

// Segments returns the "segments" array or nil.
func (d Document) Segments() []any {
	if s, ok := d["segments"].([]any); ok {
		return s
	}
	return nil
}

// String returns the string value stored under key.
func (d Document) String(key string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

func (d Document) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("types: marshal document: %w", err)
	}
	return string(b), nil
}

func (d *Document) Scan(src any) error {
	raw, err := rawBytes(src)
	if err != nil || len(raw) == 0 {
		*d = nil
		return err
	}
	return json.Unmarshal(raw, d)
}

// StringList is a JSON-encoded list of strings stored in a text column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("types: marshal string list: %w", err)
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	raw, err := rawBytes(src)
	if err != nil || len(raw) == 0 {
		*l = nil
		return err
	}
	return json.Unmarshal(raw, l)
}

func rawBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("types: unsupported column type %T", src)
	}
}
