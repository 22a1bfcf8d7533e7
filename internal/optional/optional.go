// Package optional contains a generic optional value.
package optional

import (
	"reflect"

	"github.com/vpncore/vpncore/internal/runtimex"
)

// Value is an optional value. The zero value of this structure
// is equivalent to the one you get when calling [None].
type Value[T any] struct {
	// indirect is the indirect pointer to the value.
	indirect *T
}

// None constructs an empty value.
func None[T any]() Value[T] {
	return Value[T]{nil}
}

// Some constructs a some value unless T is a pointer and points to
// nil, in which case [Some] is equivalent to [None].
func Some[T any](value T) Value[T] {
	rv := reflect.ValueOf(value)
	if rv.IsValid() && rv.Kind() == reflect.Pointer && rv.IsNil() {
		return None[T]()
	}
	return Value[T]{&value}
}

// FromPointer copies *p, or returns [None] when p is nil. Values decoded
// from JSON with omitempty pointers are converted this way.
func FromPointer[T any](p *T) Value[T] {
	if p == nil {
		return None[T]()
	}
	return Some(*p)
}

// Map applies fx to the value, if any.
func Map[T, U any](v Value[T], fx func(T) U) Value[U] {
	if v.IsNone() {
		return None[U]()
	}
	return Some(fx(*v.indirect))
}

// IsNone returns whether this [Value] is empty.
func (v Value[T]) IsNone() bool {
	return v.indirect == nil
}

// Get returns the value and whether it is present.
func (v Value[T]) Get() (T, bool) {
	if v.IsNone() {
		var zero T
		return zero, false
	}
	return *v.indirect, true
}

// Unwrap returns the underlying value or panics.
func (v Value[T]) Unwrap() T {
	runtimex.Assert(!v.IsNone(), "optional: is none")
	return *v.indirect
}

// UnwrapOr returns the fallback if the [Value] is empty.
func (v Value[T]) UnwrapOr(fallback T) T {
	if value, found := v.Get(); found {
		return value
	}
	return fallback
}
