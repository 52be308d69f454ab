// pkg/types/field.go
package types

// Field holds a value that is either still Pending or Resolved. The zero
// Field is Pending. A resolved zero value is never confused with Pending.
type Field[T any] struct {
	value    T
	resolved bool
}

// Resolved returns a Field already resolved to v.
func Resolved[T any](v T) Field[T] {
	return Field[T]{value: v, resolved: true}
}

// Resolve tags the field as Resolved with v.
func (f *Field[T]) Resolve(v T) {
	f.value = v
	f.resolved = true
}

// IsResolved reports whether the field has a value.
func (f Field[T]) IsResolved() bool {
	return f.resolved
}

// Get returns the value and whether it is resolved.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.resolved
}

// Value returns the resolved value, or the zero T while Pending.
func (f Field[T]) Value() T {
	return f.value
}
