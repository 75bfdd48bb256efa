package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"trtd/internal/trt"
)

// bytes per element; every binding is float32
const elemSize = 4

// Buffers holds one device allocation per binding, indexed by native binding
// index. Allocations are sized once from the static shapes and never resized.
type Buffers struct {
	dev    trt.Device
	stream trt.Stream
	reg    *Registry
	ptrs   []trt.DevicePtr
	sizes  []int64
}

// Allocate reserves ElementCount*4 bytes for every binding of reg. Shapes are
// checked before any memory is touched; if an allocation fails, everything
// allocated so far is freed and no Buffers is returned.
func Allocate(dev trt.Device, stream trt.Stream, reg *Registry) (*Buffers, error) {
	n := reg.Len()
	sizes := make([]int64, n)
	for i := 0; i < n; i++ {
		count, err := reg.ShapeOf(i).ElementCount()
		if err != nil {
			name, _ := reg.NameOf(i)
			return nil, fmt.Errorf("binding %q: %w", name, err)
		}
		if count > math.MaxInt64/elemSize {
			name, _ := reg.NameOf(i)
			return nil, fmt.Errorf("binding %q: %w: %d elements", name, ErrShapeOverflow, count)
		}
		sizes[i] = count * elemSize
	}

	b := &Buffers{dev: dev, stream: stream, reg: reg, ptrs: make([]trt.DevicePtr, n), sizes: sizes}
	for i, size := range sizes {
		ptr, err := dev.Malloc(size)
		if err != nil {
			_ = b.Release()
			name, _ := reg.NameOf(i)
			return nil, fmt.Errorf("allocate %d bytes for binding %q: %w", size, name, err)
		}
		b.ptrs[i] = ptr
	}
	return b, nil
}

// Len is the number of buffers, equal to the binding count.
func (b *Buffers) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ptrs)
}

// Ptr returns the device address of binding index, or 0.
func (b *Buffers) Ptr(index int) trt.DevicePtr {
	if b == nil || index < 0 || index >= len(b.ptrs) {
		return 0
	}
	return b.ptrs[index]
}

// Size returns the byte size of binding index, or 0.
func (b *Buffers) Size(index int) int64 {
	if b == nil || index < 0 || index >= len(b.sizes) {
		return 0
	}
	return b.sizes[index]
}

// Bytes is the total device memory held.
func (b *Buffers) Bytes() int64 {
	if b == nil {
		return 0
	}
	var n int64
	for i, p := range b.ptrs {
		if p != 0 {
			n += b.sizes[i]
		}
	}
	return n
}

// LoadData enqueues an asynchronous host-to-device copy of data into binding
// index. The copy is ordered before any later work on the stream.
func (b *Buffers) LoadData(index int, data []float32) error {
	if b == nil || index < 0 || index >= len(b.ptrs) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty data", ErrInvalidData)
	}
	n := int64(len(data)) * elemSize
	if n > b.sizes[index] {
		return fmt.Errorf("%w: %d elements exceed binding capacity of %d", ErrInvalidData, len(data), b.sizes[index]/elemSize)
	}
	return b.dev.MemcpyHtoDAsync(b.ptrs[index], encodeFloats(data), b.stream)
}

// FetchResult copies binding index back to a fresh host slice and
// synchronizes the stream. It is the only blocking buffer operation.
func (b *Buffers) FetchResult(index int) ([]float32, error) {
	if b == nil || index < 0 || index >= len(b.ptrs) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	host := make([]byte, b.sizes[index])
	if err := b.dev.MemcpyDtoHAsync(host, b.ptrs[index], b.stream); err != nil {
		return nil, err
	}
	if err := b.stream.Synchronize(); err != nil {
		return nil, err
	}
	return decodeFloats(host), nil
}

// Release frees every live allocation. Later calls are no-ops.
func (b *Buffers) Release() error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := len(b.ptrs) - 1; i >= 0; i-- {
		if b.ptrs[i] == 0 {
			continue
		}
		if err := b.dev.Free(b.ptrs[i]); err != nil {
			errs = append(errs, err)
		}
		b.ptrs[i] = 0
	}
	return errors.Join(errs...)
}

func encodeFloats(v []float32) []byte {
	out := make([]byte, len(v)*elemSize)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*elemSize:], math.Float32bits(f))
	}
	return out
}

func decodeFloats(b []byte) []float32 {
	out := make([]float32, len(b)/elemSize)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*elemSize:]))
	}
	return out
}
