package util

import (
	"context"
	"fmt"
	"sort"

	"github.com/gin-gonic/gin"
)

// Contains checks whether an item is in a slice
func Contains[T comparable](s []T, item T) bool {
	for _, v := range s {
		if v == item {
			return true
		}
	}
	return false
}

// Dedupe removes duplicate items from a slice while preserving order.
func Dedupe[T comparable](src []T) []T {
	seen := make(map[T]bool, len(src))
	out := make([]T, 0, len(src))
	for _, it := range src {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}

// MapWithoutError applies f to each element of xs.
func MapWithoutError[T, U any](xs []T, f func(T) U) []U {
	out := make([]U, len(xs))
	for i, x := range xs {
		out[i] = f(x)
	}
	return out
}

// Keys returns the keys of m in unspecified order.
func Keys[K comparable, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// SortedKeys returns the keys of m sorted ascending. Used wherever iteration
// order must be deterministic.
func SortedKeys[K ~string, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MinInt returns the minimum of two ints.
func MinInt(x, y int) int {
	if x < y {
		return x
	}
	return y
}

// MaxInt returns the maximum of two ints.
func MaxInt(x, y int) int {
	if x > y {
		return x
	}
	return y
}

// FirstNonZero returns a if it is non-zero, otherwise b.
func FirstNonZero[T comparable](a, b T) T {
	var zero T
	if a != zero {
		return a
	}
	return b
}

// GinContextFromContext retrieves a gin.Context previously stored in the
// request context, or panics if one is not present.
func GinContextFromContext(ctx context.Context) *gin.Context {
	gc, ok := ctx.Value(GinContextKey).(*gin.Context)
	if !ok {
		panic(fmt.Errorf("gin.Context has wrong type: %T", ctx.Value(GinContextKey)))
	}
	return gc
}

// GinContextKey is the key the server middleware stores the gin context
// under.
const GinContextKey = "GinContextKey"

// ErrorResponse is the JSON body of every non-2xx API reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
