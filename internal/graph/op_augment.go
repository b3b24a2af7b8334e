package graph

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// Border modes of the crop-and-scale augmentation.
const (
	BorderNearest  = "nearest"
	BorderConstant = "constant"
)

// cropScaleOp crops a random window of every sample while training and
// scales it back to the input size with nearest-neighbour sampling. The
// window side is factor times the input side, drawn per sample; windows
// larger than the input read the border. Inference passes the input
// through. Gradients stop here.
type cropScaleOp struct {
	ownedOutput
	factor [2]float64
	border string
	rng    *rand.Rand
}

func (o *cropScaleOp) build(l *Layer, _ *Layer) error {
	in := l.parent(0).out
	if in.Rank() != 4 {
		return errors.Wrapf(tensor.ErrShapeMismatch, "crop_scale input must be 4D [N,C,H,W], got %v", in.Shape())
	}
	if o.factor[0] <= 0 || o.factor[0] > o.factor[1] {
		return errors.Wrapf(tensor.ErrStructural, "crop_scale factor range %v must be positive and ordered", o.factor)
	}
	if o.border != BorderNearest && o.border != BorderConstant {
		return errors.Wrapf(tensor.ErrStructural, "crop_scale: unknown border mode %q", o.border)
	}
	o.rng = l.g.stream()
	return allocOutput(l, in.Shape())
}

// window draws the side and the start offset of one axis of a crop.
func (o *cropScaleOp) window(f float64, size int) (side, start int) {
	side = max(int(math.Round(f*float64(size))), 1)
	if side <= size {
		return side, o.rng.IntN(size - side + 1)
	}
	return side, -o.rng.IntN(side - size + 1)
}

// cropSource maps output index i of an axis of length size onto the crop.
func cropSource(i, size, side, start int) int {
	return start + int((float64(i)+0.5)*float64(side)/float64(size))
}

func (o *cropScaleOp) forward(l *Layer) {
	in := l.parent(0).out
	if l.mode == Eval {
		tensor.Copy(in, l.out)
		return
	}
	n, z, h, w := in.Dim(0), in.Dim(1), in.Dim(2), in.Dim(3)
	src := in.Data()
	vals := make([]float32, len(src))
	scale := distuv.Uniform{Min: o.factor[0], Max: o.factor[1], Src: o.rng}
	for b := 0; b < n; b++ {
		f := o.factor[0]
		if o.factor[1] > o.factor[0] {
			f = scale.Rand()
		}
		ch, y0 := o.window(f, h)
		cw, x0 := o.window(f, w)
		for y := 0; y < h; y++ {
			sy := cropSource(y, h, ch, y0)
			for x := 0; x < w; x++ {
				sx := cropSource(x, w, cw, x0)
				inside := sy >= 0 && sy < h && sx >= 0 && sx < w
				if !inside && o.border == BorderConstant {
					continue
				}
				cy, cx := min(max(sy, 0), h-1), min(max(sx, 0), w-1)
				for c := 0; c < z; c++ {
					plane := (b*z + c) * h * w
					vals[plane+y*w+x] = src[plane+cy*w+cx]
				}
			}
		}
	}
	tensor.Load(l.out, vals)
}

func (o *cropScaleOp) backward(*Layer) {}

func (o *cropScaleOp) replicate() op { return &cropScaleOp{factor: o.factor, border: o.border} }
