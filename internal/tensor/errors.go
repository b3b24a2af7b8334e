package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error taxonomy shared by every layer of the engine.
//
// ShapeMismatch and DeviceMismatch raised inside a dispatch call are
// programmer errors and panic with an *OpError. The same sentinels are
// returned (wrapped) from constructors and batch boundaries where the
// caller can still react.
var (
	ErrShapeMismatch      = errors.New("shape mismatch")
	ErrDeviceMismatch     = errors.New("device mismatch")
	ErrUnsupportedBackend = errors.New("backend not available")
	ErrStructural         = errors.New("structural error")
	ErrAllocation         = errors.New("allocation failure")
)

// OpError describes a contract violation detected by a dispatch function.
type OpError struct {
	Op     string // Dispatch operation (e.g., "mult2d", "conv2d")
	Kind   error  // One of the taxonomy sentinels
	Detail string // Offending shapes or devices
}

// Error implements the error interface.
func (e *OpError) Error() string {
	return fmt.Sprintf("tensor.%s: %v: %s", e.Op, e.Kind, e.Detail)
}

// Unwrap returns the taxonomy sentinel so errors.Is works on recovered panics.
func (e *OpError) Unwrap() error {
	return e.Kind
}

func opPanic(op string, kind error, format string, args ...any) {
	panic(&OpError{Op: op, Kind: kind, Detail: fmt.Sprintf(format, args...)})
}
