// Package emulator is a pure-Go accelerator implementing the trt contract.
//
// Device memory is host memory with a fixed capacity, streams are FIFO worker
// goroutines, and engines are protobuf-wire plans produced by the emulator's
// own ONNX builder. Execution performs no tensor math: Identity nodes that
// connect a graph input to a graph output copy the input buffer, every other
// output is left untouched. That is enough to observe the copy-in, execute,
// copy-out ordering and the full load/build lifecycle without hardware.
package emulator

import (
	"errors"

	"trtd/internal/trt"
)

// DefaultMemoryBytes is the device capacity used when Options.MemoryBytes is 0.
const DefaultMemoryBytes int64 = 1 << 30

// Options configures an emulated platform.
type Options struct {
	// MemoryBytes caps device allocations; DefaultMemoryBytes when 0.
	MemoryBytes int64
	// FastFP16 makes builders report native half precision support.
	FastFP16 bool
}

// Platform is the emulator's trt.Platform.
type Platform struct {
	dev      *Device
	fastFP16 bool
}

// New returns a platform backed by a fresh emulated device.
func New(opts Options) *Platform {
	if opts.MemoryBytes <= 0 {
		opts.MemoryBytes = DefaultMemoryBytes
	}
	return &Platform{dev: NewDevice(opts.MemoryBytes), fastFP16: opts.FastFP16}
}

func (p *Platform) Name() string { return "emulator" }

func (p *Platform) Device() trt.Device { return p.dev }

// Emulated exposes the concrete device for inspection in tests.
func (p *Platform) Emulated() *Device { return p.dev }

func (p *Platform) NewRuntime(log trt.Logger) (trt.Runtime, error) {
	return &runtime{dev: p.dev, log: orDiscard(log)}, nil
}

func (p *Platform) NewBuilder(log trt.Logger) (trt.Builder, error) {
	return &builder{dev: p.dev, log: orDiscard(log), fastFP16: p.fastFP16}, nil
}

func (p *Platform) NewOnnxParser(net trt.Network, log trt.Logger) (trt.Parser, error) {
	n, ok := net.(*network)
	if !ok || n == nil {
		return nil, errors.New("emulator: network was not created by the emulator builder")
	}
	return &parser{net: n, log: orDiscard(log)}, nil
}

func orDiscard(l trt.Logger) trt.Logger {
	if l == nil {
		return trt.DiscardLogger{}
	}
	return l
}
