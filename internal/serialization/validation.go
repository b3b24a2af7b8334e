package serialization

import (
	"fmt"
	"sort"
	"strings"
)

// Validation limits for resource protection.
const (
	MaxHeaderSize    = 100 * 1024 * 1024 // 100MB - maximum header size
	MaxTensorCount   = 100_000           // Maximum number of tensors in a stream
	MaxTensorNameLen = 4096              // Maximum layer or tensor name length
)

// ValidateTensorOffsets checks for overlapping tensor offsets and out-of-bounds access.
func ValidateTensorOffsets(tensors []TensorMeta, dataSize int64) error {
	if len(tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(tensors), MaxTensorCount),
		}
	}

	sorted := make([]TensorMeta, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})

	for i, t := range sorted {
		if t.Offset < 0 || t.Size < 0 {
			return &ValidationError{
				Type:    "negative_offset",
				Entries: []string{t.Name},
				Details: fmt.Sprintf("offset=%d, size=%d", t.Offset, t.Size),
			}
		}
		if t.Offset+t.Size > dataSize {
			return &ValidationError{
				Type:    "out_of_bounds",
				Entries: []string{t.Name},
				Details: fmt.Sprintf("offset %d + size %d > data_size %d", t.Offset, t.Size, dataSize),
			}
		}
		if i < len(sorted)-1 {
			next := sorted[i+1]
			if t.Offset+t.Size > next.Offset {
				return &ValidationError{
					Type:    "offset_overlap",
					Entries: []string{t.Name, next.Name},
					Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap",
						t.Offset, t.Offset+t.Size, next.Offset, next.Offset+next.Size),
				}
			}
		}
	}
	return nil
}

// ValidateTensor checks one entry: name, dtype and that its size matches its shape.
func ValidateTensor(t TensorMeta) error {
	if t.Name == "" || len(t.Name) > MaxTensorNameLen || strings.Contains(t.Name, "\x00") {
		return &ValidationError{
			Type:    "invalid_name",
			Entries: []string{t.Name},
			Details: fmt.Sprintf("length %d, max %d, no null bytes", len(t.Name), MaxTensorNameLen),
		}
	}
	if t.DType != DTypeFloat32 {
		return &ValidationError{
			Type:    "invalid_dtype",
			Entries: []string{t.Name},
			Details: fmt.Sprintf("got %q, want %q", t.DType, DTypeFloat32),
		}
	}
	elems := int64(1)
	for _, d := range t.Shape {
		if d <= 0 {
			return &ValidationError{
				Type:    "invalid_shape",
				Entries: []string{t.Name},
				Details: fmt.Sprintf("shape %v", t.Shape),
			}
		}
		elems *= int64(d)
	}
	if elems*4 != t.Size {
		return &ValidationError{
			Type:    "size_mismatch",
			Entries: []string{t.Name},
			Details: fmt.Sprintf("shape %v needs %d bytes, entry has %d", t.Shape, elems*4, t.Size),
		}
	}
	return nil
}

// ValidateHeader performs the full header validation against a data section size.
func ValidateHeader(h *Header, dataSize int64) error {
	tensors := h.Tensors()
	if len(tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(tensors), MaxTensorCount),
		}
	}
	for _, t := range tensors {
		if err := ValidateTensor(t); err != nil {
			return err
		}
	}
	return ValidateTensorOffsets(tensors, dataSize)
}
