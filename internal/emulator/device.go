package emulator

import (
	"fmt"
	"sync"

	"trtd/internal/trt"
)

// allocation granularity, matching cudaMalloc's 256-byte alignment
const alignment = 256

// Device is host memory posing as fixed-capacity accelerator memory.
type Device struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	next     trt.DevicePtr
	blocks   map[trt.DevicePtr][]byte
}

// NewDevice creates a device with capacity bytes of memory.
func NewDevice(capacity int64) *Device {
	return &Device{
		capacity: capacity,
		next:     alignment,
		blocks:   make(map[trt.DevicePtr][]byte),
	}
}

func alignUp(n int64) int64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

func (d *Device) Malloc(size int64) (trt.DevicePtr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("emulator: malloc of %d bytes", size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	reserved := alignUp(size)
	if d.used+reserved > d.capacity {
		return 0, fmt.Errorf("%w: requested %d, free %d", trt.ErrOutOfMemory, reserved, d.capacity-d.used)
	}
	ptr := d.next
	d.next += trt.DevicePtr(reserved)
	d.used += reserved
	d.blocks[ptr] = make([]byte, size)
	return ptr, nil
}

func (d *Device) Free(ptr trt.DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.blocks[ptr]
	if !ok {
		return fmt.Errorf("%w: free of %#x", trt.ErrInvalidPointer, uintptr(ptr))
	}
	delete(d.blocks, ptr)
	d.used -= alignUp(int64(len(b)))
	return nil
}

func (d *Device) MemInfo() (free, total int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capacity - d.used, d.capacity
}

// Allocations returns the number of live allocations.
func (d *Device) Allocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.blocks)
}

func (d *Device) NewStream() (trt.Stream, error) {
	return newStream(), nil
}

func (d *Device) MemcpyHtoDAsync(dst trt.DevicePtr, src []byte, s trt.Stream) error {
	st, err := asStream(s)
	if err != nil {
		return err
	}
	if err := d.check(dst, int64(len(src))); err != nil {
		return err
	}
	// pageable host memory is staged at enqueue time, so the caller may reuse src
	staged := append([]byte(nil), src...)
	return st.enqueue(func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		b, ok := d.blocks[dst]
		if !ok {
			return fmt.Errorf("%w: copy to %#x", trt.ErrInvalidPointer, uintptr(dst))
		}
		copy(b, staged)
		return nil
	})
}

func (d *Device) MemcpyDtoHAsync(dst []byte, src trt.DevicePtr, s trt.Stream) error {
	st, err := asStream(s)
	if err != nil {
		return err
	}
	if err := d.check(src, int64(len(dst))); err != nil {
		return err
	}
	return st.enqueue(func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		b, ok := d.blocks[src]
		if !ok {
			return fmt.Errorf("%w: copy from %#x", trt.ErrInvalidPointer, uintptr(src))
		}
		copy(dst, b)
		return nil
	})
}

// check validates that ptr is live and holds at least n bytes.
func (d *Device) check(ptr trt.DevicePtr, n int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.blocks[ptr]
	if !ok {
		return fmt.Errorf("%w: %#x", trt.ErrInvalidPointer, uintptr(ptr))
	}
	if n > int64(len(b)) {
		return fmt.Errorf("emulator: copy of %d bytes exceeds %d-byte allocation", n, len(b))
	}
	return nil
}

func (d *Device) sizeOf(ptr trt.DevicePtr) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.blocks[ptr]
	return int64(len(b)), ok
}

// copyWithin copies min(len) bytes between two live allocations.
func (d *Device) copyWithin(dst, src trt.DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	db, ok1 := d.blocks[dst]
	sb, ok2 := d.blocks[src]
	if !ok1 || !ok2 {
		return fmt.Errorf("%w: device copy %#x -> %#x", trt.ErrInvalidPointer, uintptr(src), uintptr(dst))
	}
	copy(db, sb)
	return nil
}
