// Package patch provides a field type for partial updates that tells apart
// "leave unchanged", "clear" and "set to a value".
package patch

import (
	"bytes"
	"encoding/json"
)

type state uint8

const (
	unset state = iota
	null
	value
)

// Field is a tri-state optional. The zero value is unset.
type Field[T any] struct {
	state state
	val   T
}

func Set[T any](v T) Field[T] {
	return Field[T]{state: value, val: v}
}

func Null[T any]() Field[T] {
	return Field[T]{state: null}
}

func Unset[T any]() Field[T] {
	return Field[T]{}
}

// FromPtr maps nil to Null and a non-nil pointer to Set.
func FromPtr[T any](p *T) Field[T] {
	if p == nil {
		return Null[T]()
	}
	return Set(*p)
}

func (f Field[T]) IsSet() bool { return f.state != unset }
func (f Field[T]) IsNull() bool { return f.state == null }
func (f Field[T]) HasValue() bool { return f.state == value }

func (f Field[T]) Value() (T, bool) {
	return f.val, f.state == value
}

// Apply writes the field into dst: unset leaves dst alone, null clears it,
// a value replaces it. It reports whether dst was touched.
func (f Field[T]) Apply(dst **T) bool {
	switch f.state {
	case null:
		*dst = nil
		return true
	case value:
		v := f.val
		*dst = &v
		return true
	default:
		return false
	}
}

// ApplyValue is Apply for non-nullable destinations; null is ignored.
func (f Field[T]) ApplyValue(dst *T) bool {
	if f.state != value {
		return false
	}
	*dst = f.val
	return true
}

// UnmarshalJSON is only called for keys present in the document, so a missing
// key keeps the field unset.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = Null[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Set(v)
	return nil
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.state != value {
		return []byte("null"), nil
	}
	return json.Marshal(f.val)
}
