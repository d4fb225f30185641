// Package util holds small generic helpers shared by cadence packages.
package util

// Ptr returns a pointer to a copy of v, for optional schedule fields.
func Ptr[T any](v T) *T {
	return &v
}
