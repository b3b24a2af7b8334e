package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/deepgraph/internal/graph"
)

// Save writes the parameters of layers, in the given order, to w.
// Layers without parameters are recorded with an empty parameter list so
// that loading can check the declaration matches.
func Save(w io.Writer, layers []*graph.Layer, metadata map[string]string) error {
	header := Header{
		FormatVersion: FormatVersion,
		Producer:      producer,
		CreatedAt:     time.Now().UTC(),
		Layers:        make([]LayerMeta, 0, len(layers)),
		Metadata:      metadata,
	}

	var data []byte
	for _, l := range layers {
		meta := LayerMeta{Name: l.Name(), Kind: l.Kind().String(), Params: []TensorMeta{}}
		for i, p := range l.Params() {
			vals := p.Data()
			meta.Params = append(meta.Params, TensorMeta{
				Name:   fmt.Sprintf("%s.%d", l.Name(), i),
				DType:  DTypeFloat32,
				Shape:  []int(p.Shape().Clone()),
				Offset: int64(len(data)),
				Size:   int64(len(vals)) * 4,
			})
			data = appendFloat32s(data, vals)
		}
		header.Layers = append(header.Layers, meta)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "marshal header")
	}
	checksum := ComputeChecksum(data)

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], uint32(FormatVersion))
	var flags uint32
	if len(metadata) > 0 {
		flags |= FlagHasMetadata
	}
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	// 0x0C-0x0F reserved
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(len(data)))
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], checksum[:])

	pad := padding(int64(FixedHeaderSize + len(headerJSON)))
	for _, chunk := range [][]byte{fixed, headerJSON, make([]byte, pad), data} {
		if _, err := w.Write(chunk); err != nil {
			return errors.Wrap(err, "write parameter stream")
		}
	}

	klog.V(1).InfoS("parameters saved", "layers", len(layers), "bytes", len(data))
	return nil
}

// SaveFile writes the parameters of layers to path.
func SaveFile(path string, layers []*graph.Layer, metadata map[string]string) error {
	//nolint:gosec // G304: the path is chosen by the caller
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	bw := bufio.NewWriter(f)
	if err := Save(bw, layers, metadata); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "flush %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}

func appendFloat32s(dst []byte, vals []float32) []byte {
	for _, v := range vals {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}
