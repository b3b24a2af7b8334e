package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/deepgraph/internal/graph"
	"github.com/born-ml/deepgraph/internal/tensor"
)

// LoadOptions configures Load.
type LoadOptions struct {
	SkipChecksumValidation bool // Skip checksum validation (faster but less safe)
	StrictNames            bool // Reject layers whose name differs from the stream's
}

// DefaultLoadOptions validates the checksum and tolerates renamed layers.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{}
}

// Stream is a decoded parameter stream.
type Stream struct {
	Header Header
	data   []byte
}

// Read decodes and validates a parameter stream.
func Read(r io.Reader, opts LoadOptions) (*Stream, error) {
	fixed := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, errors.Wrap(err, "read fixed header")
	}
	if string(fixed[0:4]) != MagicBytes {
		return nil, errors.WithStack(ErrInvalidMagic)
	}
	if v := binary.LittleEndian.Uint32(fixed[4:8]); v != FormatVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "got %d, expected %d", v, FormatVersion)
	}
	headerSize := binary.LittleEndian.Uint64(fixed[16:24])
	dataSize := binary.LittleEndian.Uint64(fixed[24:32])
	if headerSize > MaxHeaderSize {
		return nil, errors.Wrapf(ErrHeaderTooLarge, "%d bytes", headerSize)
	}
	var stored [ChecksumSize]byte
	copy(stored[:], fixed[ChecksumOffset:ChecksumOffset+ChecksumSize])

	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	s := &Stream{}
	if err := json.Unmarshal(headerJSON, &s.Header); err != nil {
		return nil, errors.Wrap(err, "parse header")
	}
	//nolint:gosec // G115: headerSize is bounded by MaxHeaderSize
	if _, err := io.CopyN(io.Discard, r, padding(int64(FixedHeaderSize)+int64(headerSize))); err != nil {
		return nil, errors.Wrap(err, "read padding")
	}
	//nolint:gosec // G115: validated against the tensor entries below
	if err := ValidateHeader(&s.Header, int64(dataSize)); err != nil {
		return nil, errors.Wrap(err, "validate header")
	}
	var need int64
	for _, t := range s.Header.Tensors() {
		need = max(need, t.Offset+t.Size)
	}
	//nolint:gosec // G115: see above
	if int64(dataSize) != need {
		return nil, errors.WithStack(&ValidationError{Type: "data_size", Details: "data section does not match the tensor entries"})
	}

	s.data = make([]byte, dataSize)
	if _, err := io.ReadFull(r, s.data); err != nil {
		return nil, errors.Wrap(err, "read tensor data")
	}
	if !opts.SkipChecksumValidation {
		if err := ValidateChecksum(ComputeChecksum(s.data), stored); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return s, nil
}

// Values returns the values of one tensor entry.
func (s *Stream) Values(t TensorMeta) []float32 {
	raw := s.data[t.Offset : t.Offset+t.Size]
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out
}

// Apply copies the stream into layers, matched by position. Every layer
// must declare the same number of parameters with the same shapes as the
// stream records. Nothing is written unless the whole stream matches.
func (s *Stream) Apply(layers []*graph.Layer, opts LoadOptions) error {
	if len(layers) != len(s.Header.Layers) {
		return errors.Wrapf(ErrLayerMismatch, "stream has %d layers, got %d", len(s.Header.Layers), len(layers))
	}
	for i, l := range layers {
		meta := s.Header.Layers[i]
		if meta.Name != l.Name() {
			if opts.StrictNames {
				return errors.Wrapf(ErrLayerMismatch, "layer %d: stream has %s, got %s", i, meta.Name, l.Name())
			}
			klog.V(1).InfoS("loading parameters into a renamed layer", "stream", meta.Name, "layer", l.Name())
		}
		params := l.Params()
		if len(params) != len(meta.Params) {
			return errors.Wrapf(ErrLayerMismatch, "%s: stream has %d parameters, layer has %d", l.Name(), len(meta.Params), len(params))
		}
		for j, p := range params {
			if !p.Shape().Equal(tensor.Shape(meta.Params[j].Shape)) {
				return errors.Wrapf(ErrLayerMismatch, "%s: %s has shape %v, layer has %v",
					l.Name(), meta.Params[j].Name, meta.Params[j].Shape, p.Shape())
			}
		}
	}

	for i, l := range layers {
		for j, p := range l.Params() {
			tensor.Load(p, s.Values(s.Header.Layers[i].Params[j]))
		}
	}
	klog.V(1).InfoS("parameters loaded", "layers", len(layers), "params", s.Header.NumParams())
	return nil
}

// Load reads a stream from r and applies it to layers.
func Load(r io.Reader, layers []*graph.Layer, opts LoadOptions) (*Header, error) {
	s, err := Read(r, opts)
	if err != nil {
		return nil, err
	}
	if err := s.Apply(layers, opts); err != nil {
		return nil, err
	}
	return &s.Header, nil
}

// LoadFile reads the stream stored at path and applies it to layers.
func LoadFile(path string, layers []*graph.Layer, opts LoadOptions) (*Header, error) {
	//nolint:gosec // G304: the path is chosen by the caller
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()
	return Load(bufio.NewReader(f), layers, opts)
}
