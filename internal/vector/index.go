// Package vector provides the per-document nearest-neighbor index.
package vector

import "errors"

// ErrDimensionMismatch is returned when a vector's width differs from the index dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// VectorResult is a single nearest-neighbor hit. Slot is the insertion position of the
// vector within its document index; Distance is the squared L2 distance to the query.
type VectorResult struct {
	Slot     int
	Distance float64
}
