package schema

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Document wraps a raw alert from the monitoring platform. The platform's
// records are loosely typed, so every accessor is total: missing or
// wrongly-typed fields report absence instead of failing.
type Document struct {
	raw  []byte
	root gjson.Result
}

// NewDocument parses a raw alert payload. Invalid JSON yields a Document
// whose accessors all report absence.
func NewDocument(raw []byte) Document {
	return Document{raw: raw, root: gjson.ParseBytes(raw)}
}

// Raw returns the verbatim payload for audit copies.
func (d Document) Raw() json.RawMessage {
	return json.RawMessage(d.raw)
}

// Exists reports whether a non-null value is present at path.
func (d Document) Exists(path string) bool {
	r := d.root.Get(path)
	return r.Exists() && r.Type != gjson.Null
}

// Str returns the scalar value at path rendered as a string.
func (d Document) Str(path string) (string, bool) {
	r := d.root.Get(path)
	switch r.Type {
	case gjson.String, gjson.Number, gjson.True, gjson.False:
		return r.String(), true
	default:
		return "", false
	}
}

// Int returns the integer value at path. Numeric strings are accepted;
// strings that do not parse as integers report absence.
func (d Document) Int(path string) (int64, bool) {
	r := d.root.Get(path)
	switch r.Type {
	case gjson.Number:
		return r.Int(), true
	case gjson.String:
		n, err := strconv.ParseInt(strings.TrimSpace(r.Str), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Strings returns the string elements of the array at path. A scalar string
// is treated as a one-element array, matching how upstream rule metadata
// sometimes collapses single-valued arrays.
func (d Document) Strings(path string) []string {
	r := d.root.Get(path)
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	if !r.IsArray() {
		if r.Type == gjson.String {
			return []string{r.String()}
		}
		return nil
	}
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		out = append(out, v.String())
		return true
	})
	return out
}

// Time returns the RFC3339 timestamp at path.
func (d Document) Time(path string) (time.Time, bool) {
	s, ok := d.Str(path)
	if !ok {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
