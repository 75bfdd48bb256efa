package types

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxDims is the fixed capacity of a Dims descriptor.
const MaxDims = 8

// ErrTooManyDims is returned when a shape has more than MaxDims dimensions.
var ErrTooManyDims = errors.New("shape exceeds 8 dimensions")

// ErrDimOutOfRange is returned when a dimension does not fit in int32.
var ErrDimOutOfRange = errors.New("dimension out of int32 range")

// ErrShapeOverflow is returned when a shape's size does not fit in int64.
var ErrShapeOverflow = errors.New("shape size overflows int64")

// ErrUnresolvedShape is returned when a shape holds a non-positive dimension
// (a dynamic placeholder such as -1) where a concrete size is required.
var ErrUnresolvedShape = errors.New("shape has unresolved dimensions")

// Dims is a fixed-capacity tensor shape. NbDims counts the used entries of D;
// unused entries are always zero. The zero value is an empty ("unresolved")
// descriptor.
type Dims struct {
	NbDims int32          `json:"nb_dims"`
	D      [MaxDims]int32 `json:"d"`
}

// NewDims returns a zeroed descriptor.
func NewDims() Dims { return Dims{} }

// DimsOf builds a descriptor from dimension values.
func DimsOf(dims ...int64) (Dims, error) {
	var d Dims
	if len(dims) > MaxDims {
		return d, fmt.Errorf("%w: got %d", ErrTooManyDims, len(dims))
	}
	for i, v := range dims {
		if v < math.MinInt32 || v > math.MaxInt32 {
			return Dims{}, fmt.Errorf("%w: dim %d is %d", ErrDimOutOfRange, i, v)
		}
		d.D[i] = int32(v)
	}
	d.NbDims = int32(len(dims))
	return d, nil
}

// Dim returns dimension i, or 0 when i is outside the used range.
func (d Dims) Dim(i int) int32 {
	if i < 0 || i >= int(d.NbDims) || i >= MaxDims {
		return 0
	}
	return d.D[i]
}

// SetDim sets dimension i, extending NbDims when i is past the current end.
// Indexes outside [0, MaxDims) are ignored.
func (d *Dims) SetDim(i int, v int32) {
	if i < 0 || i >= MaxDims {
		return
	}
	if int32(i) >= d.NbDims {
		d.NbDims = int32(i + 1)
	}
	d.D[i] = v
}

// IsZero reports whether d is the empty descriptor.
func (d Dims) IsZero() bool { return d.NbDims == 0 }

// Resolved reports whether d is non-empty and every used dimension is positive.
func (d Dims) Resolved() bool {
	if d.NbDims <= 0 || d.NbDims > MaxDims {
		return false
	}
	for i := 0; i < int(d.NbDims); i++ {
		if d.D[i] <= 0 {
			return false
		}
	}
	return true
}

// ElementCount returns the product of the used dimensions. It refuses shapes
// that are empty or contain a non-positive dimension, and products that do
// not fit in int64.
func (d Dims) ElementCount() (int64, error) {
	if !d.Resolved() {
		return 0, fmt.Errorf("%w: %s", ErrUnresolvedShape, d)
	}
	n := int64(1)
	for i := 0; i < int(d.NbDims); i++ {
		v := int64(d.D[i])
		if n > math.MaxInt64/v {
			return 0, fmt.Errorf("%w: %s", ErrShapeOverflow, d)
		}
		n *= v
	}
	return n, nil
}

// Slice returns the used dimensions as a new slice.
func (d Dims) Slice() []int64 {
	n := int(d.NbDims)
	if n < 0 {
		n = 0
	}
	if n > MaxDims {
		n = MaxDims
	}
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(d.D[i])
	}
	return out
}

func (d Dims) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range d.Slice() {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatInt(v, 10))
	}
	b.WriteByte(']')
	return b.String()
}
