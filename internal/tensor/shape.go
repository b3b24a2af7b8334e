package tensor

import "github.com/pkg/errors"

// Shape represents the dimensions of a tensor.
// By convention dimension 0 is the batch dimension.
type Shape []int

// NumElements returns the total number of elements in the tensor.
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks if the shape is valid (at least one dimension, all dimensions > 0).
func (s Shape) Validate() error {
	if len(s) == 0 {
		return errors.Wrap(ErrShapeMismatch, "empty shape")
	}
	for i, dim := range s {
		if dim <= 0 {
			return errors.Wrapf(ErrShapeMismatch, "invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// WithBatch returns a copy of the shape with dimension 0 replaced.
func (s Shape) WithBatch(batch int) Shape {
	c := s.Clone()
	if len(c) > 0 {
		c[0] = batch
	}
	return c
}

// Sample returns the number of elements of one batch entry.
func (s Shape) Sample() int {
	if len(s) == 0 {
		return 0
	}
	return Shape(s[1:]).NumElements()
}

// ComputeStrides calculates row-major strides for the shape.
// Strides define memory layout: stride[i] = product of all dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}
