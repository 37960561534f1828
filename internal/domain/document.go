package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Document is one remote JSON document (team, schedule).
// Params: decoded JSON object.
// Returns: payload stored in detail slots; nil means absent.
type Document map[string]any

// Text reads string field.
// Params: field name.
// Returns: field value or empty string.
func (d Document) Text(field string) string {
	if d == nil {
		return ""
	}
	value, _ := d[field].(string)
	return value
}

// DecodeDocument decodes JSON object payload.
// Params: raw JSON bytes; empty or null means absent document.
// Returns: document or decode error.
func DecodeDocument(raw []byte) (Document, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// ValidateTree checks that value is a JSON-shaped acyclic tree.
// Params: candidate value (maps with string keys, slices, scalars).
// Returns: error naming the first offending path.
func ValidateTree(value any) error {
	return validateTree(reflect.ValueOf(value), "$", make(map[uintptr]struct{}))
}

func validateTree(v reflect.Value, path string, onPath map[uintptr]struct{}) error {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return validateTree(v.Elem(), path, onPath)
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return nil
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%s: map key must be string, got %s", path, v.Type().Key())
		}
		ptr := v.Pointer()
		if _, seen := onPath[ptr]; seen {
			return fmt.Errorf("%s: cyclic reference", path)
		}
		onPath[ptr] = struct{}{}
		defer delete(onPath, ptr)
		iter := v.MapRange()
		for iter.Next() {
			if err := validateTree(iter.Value(), path+"."+iter.Key().String(), onPath); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Len() > 0 {
			ptr := v.Pointer()
			if _, seen := onPath[ptr]; seen {
				return fmt.Errorf("%s: cyclic reference", path)
			}
			onPath[ptr] = struct{}{}
			defer delete(onPath, ptr)
		}
		for i := 0; i < v.Len(); i++ {
			if err := validateTree(v.Index(i), fmt.Sprintf("%s[%d]", path, i), onPath); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%s: unsupported value kind %s", path, v.Kind())
	}
}
