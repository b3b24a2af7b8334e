package serialization

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Common errors.
var (
	ErrChecksumMismatch   = errors.New("checksum mismatch: stream may be corrupted")
	ErrHeaderTooLarge     = errors.New("header exceeds maximum size")
	ErrInvalidMagic       = errors.New("invalid magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrLayerMismatch      = errors.New("stream does not match the layers")
)

// ValidationError reports a malformed tensor table. Type is a stable
// machine-readable kind such as "offset_overlap" or "out_of_bounds".
type ValidationError struct {
	Type    string
	Entries []string // tensor entries involved, if any
	Details string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Type)
	if len(e.Entries) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Entries, ", "))
	}
	b.WriteString(": ")
	b.WriteString(e.Details)
	return b.String()
}
