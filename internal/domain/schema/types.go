// Package schema owns the semantic type system shared by the mapping and
// transform engines: the field-type enum, tabular schema inference from
// sample rows, and the nested target-path grammar (a[0].b).
package schema

import "fmt"

// FieldType is the semantic type assigned to a source or target field.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeInteger  FieldType = "integer"
	TypeDecimal  FieldType = "decimal"
	TypeBoolean  FieldType = "boolean"
	TypeDate     FieldType = "date"
	TypeDateTime FieldType = "datetime"
)

// Valid reports whether t is a known semantic type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeDecimal, TypeBoolean, TypeDate, TypeDateTime:
		return true
	}
	return false
}

// Schema maps a field path to its semantic type. Keys may carry nested-path
// syntax such as "name[0].given[0]".
type Schema map[string]FieldType

// ParseSchema validates a raw string map into a Schema.
func ParseSchema(raw map[string]string) (Schema, error) {
	s := make(Schema, len(raw))
	for field, typ := range raw {
		ft := FieldType(typ)
		if !ft.Valid() {
			return nil, fmt.Errorf("field %q: unknown semantic type %q", field, typ)
		}
		if _, err := ParsePath(field); err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		s[field] = ft
	}
	return s, nil
}
