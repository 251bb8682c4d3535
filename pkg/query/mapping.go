package query

import (
	"fmt"
	"strings"
)

// TranslationError reports a canonical field path that could not be mapped
// to a backend expression. It signals a programming or configuration error
// and is never retried.
type TranslationError struct {
	Path   string
	Reason string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("query translation failed for %q: %s", e.Path, e.Reason)
}

// Field is the result of resolving a canonical path: either a plain scalar
// column, or a JSON-encoded column plus the path to extract inside it.
type Field struct {
	Column   string
	JSONPath []string
}

// JSON reports whether the field requires structural extraction instead of
// a direct column comparison.
func (f Field) JSON() bool { return len(f.JSONPath) > 0 }

type mappingEntry struct {
	column   string
	jsonBase []string
	json     bool
	nested   *Mapping
}

// Mapping is a tree from canonical dotted field paths to backend columns.
// Leaves are either scalar columns or JSON columns; interior nodes recurse.
type Mapping struct {
	entries map[string]mappingEntry
}

// NewMapping returns an empty mapping tree.
func NewMapping() *Mapping {
	return &Mapping{entries: map[string]mappingEntry{}}
}

// Scalar maps a single path segment to a plain column.
func (m *Mapping) Scalar(segment, column string) *Mapping {
	m.entries[segment] = mappingEntry{column: column}
	return m
}

// JSON maps a path segment to a JSON-encoded column. The segments in base
// are prepended to any remaining canonical path before extraction, so a
// payload column can expose a sub-document under its canonical name.
func (m *Mapping) JSON(segment, column string, base ...string) *Mapping {
	m.entries[segment] = mappingEntry{column: column, json: true, jsonBase: base}
	return m
}

// Nested attaches a child mapping under a path segment.
func (m *Mapping) Nested(segment string, child *Mapping) *Mapping {
	m.entries[segment] = mappingEntry{nested: child}
	return m
}

// Resolve maps a canonical dotted path to its backend field. It splits on
// the first separator, looks the head up at this level and recurses into
// nested mappings; JSON leaves absorb the remainder as an extraction path.
func (m *Mapping) Resolve(path string) (Field, error) {
	return m.resolve(path, path)
}

func (m *Mapping) resolve(full, path string) (Field, error) {
	if path == "" {
		return Field{}, &TranslationError{Path: full, Reason: "empty field path"}
	}

	head, rest, _ := strings.Cut(path, ".")
	entry, ok := m.entries[head]
	if !ok {
		return Field{}, &TranslationError{Path: full, Reason: fmt.Sprintf("unknown segment %q", head)}
	}

	switch {
	case entry.nested != nil:
		if rest == "" {
			return Field{}, &TranslationError{Path: full, Reason: fmt.Sprintf("%q is not a leaf field", head)}
		}
		return entry.nested.resolve(full, rest)
	case entry.json:
		jsonPath := append([]string{}, entry.jsonBase...)
		if rest != "" {
			jsonPath = append(jsonPath, strings.Split(rest, ".")...)
		}
		if len(jsonPath) == 0 {
			return Field{}, &TranslationError{Path: full, Reason: fmt.Sprintf("JSON field %q requires a sub-path", head)}
		}
		return Field{Column: entry.column, JSONPath: jsonPath}, nil
	default:
		if rest != "" {
			return Field{}, &TranslationError{Path: full, Reason: fmt.Sprintf("%q does not nest under scalar column", rest)}
		}
		return Field{Column: entry.column}, nil
	}
}
