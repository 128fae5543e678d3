// Package tensor decodes the flat input buffers of the calibration streams
// into shaped sample batches.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
)

// Format is the per-sample layout of the inputs stream, parsed from the
// new-session notification (e.g. "(1,28,28)"). DType is fixed to float32.
type Format struct {
	Shape []int
}

// DefaultFormat matches the MNIST-shaped traffic used when a session does
// not declare its own format.
func DefaultFormat() Format { return Format{Shape: []int{1, 28, 28}} }

// ParseFormat parses a shape string like "(1, 28, 28)". An empty string
// yields ok=false with no error.
func ParseFormat(s string) (Format, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Format{}, false, nil
	}
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return Format{}, false, fmt.Errorf("op=tensor.parse_format: %w: %q", domain.ErrInvalidArgument, s)
	}
	inner := strings.Trim(s, "()")
	var shape []int
	for _, part := range strings.Split(inner, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dim, err := strconv.Atoi(part)
		if err != nil {
			return Format{}, false, fmt.Errorf("op=tensor.parse_format: %w: %q", domain.ErrInvalidArgument, s)
		}
		if dim <= 0 {
			return Format{}, false, fmt.Errorf("op=tensor.parse_format: %w: non-positive dim in %q", domain.ErrInvalidArgument, s)
		}
		shape = append(shape, dim)
	}
	if len(shape) == 0 {
		return Format{}, false, fmt.Errorf("op=tensor.parse_format: %w: empty shape %q", domain.ErrInvalidArgument, s)
	}
	return Format{Shape: shape}, true, nil
}

// SampleSize is the number of float32 elements per sample.
func (f Format) SampleSize() int {
	n := 1
	for _, d := range f.Shape {
		n *= d
	}
	return n
}

// channelsLast reports whether the per-sample shape looks like HWC data
// that should be transposed to CHW.
func (f Format) channelsLast() bool {
	if len(f.Shape) != 3 {
		return false
	}
	c := f.Shape[2]
	return (c == 1 || c == 3) && f.Shape[0] != 1
}

// Batch is a decoded inputs batch: N samples, each SampleSize() floats,
// stored contiguously in channel-first order.
type Batch struct {
	N     int
	Shape []int // per-sample shape after any transpose
	Data  []float32
}

// Sample returns the i-th sample as a flat slice view.
func (b Batch) Sample(i int) []float32 {
	size := len(b.Data) / b.N
	return b.Data[i*size : (i+1)*size]
}

// Decode interprets raw as a flat little-endian float32 array and reshapes
// it to (N, *shape). HWC-shaped samples are transposed to CHW.
func Decode(raw []byte, f Format) (Batch, error) {
	if len(raw)%4 != 0 {
		return Batch{}, fmt.Errorf("op=tensor.decode: %w: %d bytes is not a float32 array", domain.ErrInvalidArgument, len(raw))
	}
	total := len(raw) / 4
	sample := f.SampleSize()
	if sample == 0 || total%sample != 0 {
		return Batch{}, fmt.Errorf("op=tensor.decode: %w: %d elements not divisible by sample size %d", domain.ErrInvalidArgument, total, sample)
	}
	data := make([]float32, total)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	n := total / sample
	shape := append([]int(nil), f.Shape...)
	if f.channelsLast() {
		data = transposeHWC(data, n, f.Shape[0], f.Shape[1], f.Shape[2])
		shape = []int{f.Shape[2], f.Shape[0], f.Shape[1]}
	}
	return Batch{N: n, Shape: shape, Data: data}, nil
}

// Encode is the inverse of Decode for CHW-ordered data; used by tests and
// the restore replay path.
func Encode(b Batch) []byte {
	out := make([]byte, len(b.Data)*4)
	for i, v := range b.Data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func transposeHWC(data []float32, n, h, w, c int) []float32 {
	out := make([]float32, len(data))
	sample := h * w * c
	for s := 0; s < n; s++ {
		src := data[s*sample : (s+1)*sample]
		dst := out[s*sample : (s+1)*sample]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for ch := 0; ch < c; ch++ {
					dst[ch*h*w+y*w+x] = src[y*w*c+x*c+ch]
				}
			}
		}
	}
	return out
}
