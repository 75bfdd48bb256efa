// Package trt defines the contract between trtd and a native inference
// runtime: deserialization runtime, compiled engine, execution context,
// device memory, ordering streams and the ONNX build pipeline.
//
// Two implementations exist:
//
//   - internal/emulator: a pure-Go accelerator used by default and in tests.
//   - internal/tensorrt: TensorRT + CUDA through cgo, built with `-tags=tensorrt`.
//     Without the tag a stub reports the dependency as unavailable.
//
// Every object returned by a Platform is exclusively owned by the caller and
// must be released with Close exactly once; Close on an already closed object
// is a no-op.
package trt

import (
	"errors"

	"trtd/pkg/types"
)

var (
	// ErrFormat reports that serialized bytes or a source model could not be
	// turned into a usable object.
	ErrFormat = errors.New("invalid or incompatible format")
	// ErrConstruction reports that a required native object was not produced.
	ErrConstruction = errors.New("native object construction failed")
	// ErrOutOfMemory reports that the device could not satisfy an allocation.
	ErrOutOfMemory = errors.New("out of device memory")
	// ErrInvalidPointer reports use of a device pointer the device did not issue
	// or has already freed.
	ErrInvalidPointer = errors.New("invalid device pointer")
	// ErrClosed reports use of an object after Close.
	ErrClosed = errors.New("object is closed")
	// ErrUnavailable reports that the backend is not compiled in or its
	// native libraries could not be initialized.
	ErrUnavailable = errors.New("native runtime unavailable")
)

// Severity of a runtime diagnostic, most severe first.
type Severity int

const (
	SeverityInternalError Severity = iota
	SeverityError
	SeverityWarning
	SeverityInfo
	SeverityVerbose
)

func (s Severity) String() string {
	switch s {
	case SeverityInternalError:
		return "internal_error"
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	case SeverityVerbose:
		return "verbose"
	default:
		return "unknown"
	}
}

// Logger receives diagnostics emitted by the native runtime.
type Logger interface {
	Log(sev Severity, msg string)
}

// DiscardLogger drops every message.
type DiscardLogger struct{}

func (DiscardLogger) Log(Severity, string) {}

// DevicePtr is an opaque handle to a block of device memory. Zero is null.
type DevicePtr uintptr

// Platform creates runtimes, builders and parsers bound to one device.
type Platform interface {
	// Name identifies the backend ("emulator", "tensorrt").
	Name() string
	// Device returns the accelerator the platform allocates on.
	Device() Device
	// NewRuntime creates a deserialization runtime.
	NewRuntime(log Logger) (Runtime, error)
	// NewBuilder creates an engine builder.
	NewBuilder(log Logger) (Builder, error)
	// NewOnnxParser creates a parser that populates net.
	NewOnnxParser(net Network, log Logger) (Parser, error)
}

// Device owns fixed-capacity accelerator memory and ordering streams.
type Device interface {
	Malloc(size int64) (DevicePtr, error)
	Free(ptr DevicePtr) error
	NewStream() (Stream, error)
	// MemcpyHtoDAsync enqueues a copy of src into dst on s and returns
	// immediately.
	MemcpyHtoDAsync(dst DevicePtr, src []byte, s Stream) error
	// MemcpyDtoHAsync enqueues a copy of len(dst) bytes from src into dst on s
	// and returns immediately; dst must not be read before s is synchronized.
	MemcpyDtoHAsync(dst []byte, src DevicePtr, s Stream) error
	// MemInfo reports free and total device memory in bytes.
	MemInfo() (free, total int64)
}

// Stream is a FIFO queue of asynchronous device operations.
type Stream interface {
	// Synchronize blocks until every operation enqueued so far has completed
	// and returns the first error any of them produced.
	Synchronize() error
	Close() error
}

// Runtime deserializes engine plans.
type Runtime interface {
	DeserializeEngine(plan []byte) (Engine, error)
	Close() error
}

// Engine is a compiled network with a static I/O tensor contract.
type Engine interface {
	NumIOTensors() int
	// IOTensorName returns the name of tensor i in native order, or "" when
	// i is out of range.
	IOTensorName(i int) string
	// TensorIOMode returns IOModeNone for unknown names.
	TensorIOMode(name string) types.IOMode
	// TensorShape returns the zero Dims for unknown names.
	TensorShape(name string) types.Dims
	CreateExecutionContext() (ExecutionContext, error)
	Serialize() ([]byte, error)
	Close() error
}

// ExecutionContext runs an engine against bound device memory.
type ExecutionContext interface {
	SetTensorAddress(name string, ptr DevicePtr) error
	// EnqueueV3 enqueues execution on s, after every operation already queued
	// on s.
	EnqueueV3(s Stream) error
	Close() error
}

// NetworkFlags configure network definition creation.
type NetworkFlags uint32

// NetworkExplicitBatch declares that every tensor carries its batch dimension.
const NetworkExplicitBatch NetworkFlags = 1 << 0

// MemoryPool identifies a builder memory pool.
type MemoryPool int

const MemoryPoolWorkspace MemoryPool = 0

// BuilderFlag toggles builder optimizations.
type BuilderFlag int

const BuilderFlagFP16 BuilderFlag = 0

// Builder compiles networks into engines.
type Builder interface {
	CreateNetwork(flags NetworkFlags) (Network, error)
	CreateBuilderConfig() (BuilderConfig, error)
	PlatformHasFastFP16() bool
	BuildEngine(net Network, cfg BuilderConfig) (Engine, error)
	Close() error
}

// Network is a network definition populated by a Parser.
type Network interface {
	NumInputs() int
	NumOutputs() int
	NumLayers() int
	Close() error
}

// Parser fills a Network from an interchange-format model.
type Parser interface {
	ParseFromFile(path string, verbosity Severity) error
	Close() error
}

// BuilderConfig carries build-time budgets and flags.
type BuilderConfig interface {
	SetMemoryPoolLimit(pool MemoryPool, bytes uint64)
	SetFlag(flag BuilderFlag)
	Close() error
}
