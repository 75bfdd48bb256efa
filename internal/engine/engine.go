// Package engine manages the lifecycle of one compiled inference engine:
// deserialization, binding discovery, device buffers, and inference dispatch.
//
// An Engine is not safe for concurrent use. Copies into and out of device
// memory and execution are all ordered on the instance's single stream;
// FetchResult and Infer are the only calls that block on it.
package engine

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"trtd/internal/logging"
	"trtd/internal/trt"
	"trtd/pkg/types"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the lifecycle logger. Native runtime diagnostics of warning
// severity and above are forwarded to it unless WithRuntimeLogger is given.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithRuntimeLogger sets the sink for native runtime diagnostics.
func WithRuntimeLogger(l trt.Logger) Option {
	return func(e *Engine) { e.rtLog = l }
}

// Engine owns a deserialization runtime and, once loaded, the engine,
// execution context, stream, bindings and device buffers built from it.
type Engine struct {
	platform trt.Platform
	log      zerolog.Logger
	rtLog    trt.Logger
	runtime  trt.Runtime
	st       *loaded
	closed   bool
}

// loaded is everything acquired by a successful Load, in acquisition order.
type loaded struct {
	path   string
	engine trt.Engine
	ctx    trt.ExecutionContext
	stream trt.Stream
	reg    *Registry
	bufs   *Buffers
}

// release frees st's objects in reverse acquisition order. Fields that were
// never acquired are skipped, so it also unwinds a partial load.
func (st *loaded) release() error {
	var errs []error
	if st.bufs != nil {
		errs = append(errs, st.bufs.Release())
		st.bufs = nil
	}
	if st.stream != nil {
		errs = append(errs, st.stream.Close())
		st.stream = nil
	}
	if st.ctx != nil {
		errs = append(errs, st.ctx.Close())
		st.ctx = nil
	}
	if st.engine != nil {
		errs = append(errs, st.engine.Close())
		st.engine = nil
	}
	st.reg = nil
	return errors.Join(errs...)
}

// New creates an unloaded instance holding only a deserialization runtime.
func New(platform trt.Platform, opts ...Option) (*Engine, error) {
	e := &Engine{platform: platform, log: zerolog.Nop()}
	for _, o := range opts {
		o(e)
	}
	if e.rtLog == nil {
		e.rtLog = logging.RuntimeLogger(e.log, trt.SeverityWarning)
	}
	rt, err := platform.NewRuntime(e.rtLog)
	if err != nil {
		return nil, fmt.Errorf("%w: runtime: %v", trt.ErrConstruction, err)
	}
	if rt == nil {
		return nil, fmt.Errorf("%w: runtime", trt.ErrConstruction)
	}
	e.runtime = rt
	return e, nil
}

// Open creates an instance and loads path into it. On failure the instance is
// torn down and only the error is returned.
func Open(platform trt.Platform, path string, opts ...Option) (*Engine, error) {
	e, err := New(platform, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.Load(path); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

// Load deserializes the engine file at path and prepares it for inference.
// It is all-or-nothing: on failure every object acquired here is released and
// the instance stays unloaded.
func (e *Engine) Load(path string) (err error) {
	if e.closed {
		return ErrClosed
	}
	if e.st != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, e.st.path)
	}
	start := time.Now()
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpen, err)
	}

	st := &loaded{path: path}
	defer func() {
		if err != nil {
			_ = st.release()
			e.log.Error().Err(err).Str("path", path).Msg("engine load failed")
		}
	}()

	st.engine, err = e.runtime.DeserializeEngine(data)
	if err != nil {
		return fmt.Errorf("deserialize %s: %w", path, err)
	}
	if st.engine == nil {
		return fmt.Errorf("deserialize %s: %w", path, trt.ErrFormat)
	}
	st.ctx, err = st.engine.CreateExecutionContext()
	if err != nil || st.ctx == nil {
		return fmt.Errorf("%w: execution context: %v", trt.ErrConstruction, err)
	}
	dev := e.platform.Device()
	st.stream, err = dev.NewStream()
	if err != nil {
		return fmt.Errorf("%w: stream: %v", trt.ErrConstruction, err)
	}
	st.reg = Discover(st.engine)
	st.bufs, err = Allocate(dev, st.stream, st.reg)
	if err != nil {
		return err
	}

	e.st = st
	e.log.Info().
		Str("path", path).
		Int("inputs", st.reg.InputCount()).
		Int("outputs", st.reg.OutputCount()).
		Int64("device_bytes", st.bufs.Bytes()).
		Dur("dur", time.Since(start)).
		Msg("engine loaded")
	return nil
}

// Loaded reports whether an engine is loaded.
func (e *Engine) Loaded() bool { return e.st != nil }

// Path is the file the engine was loaded from, or "".
func (e *Engine) Path() string {
	if e.st == nil {
		return ""
	}
	return e.st.path
}

// Infer binds every buffer to the execution context, enqueues execution after
// the pending copies on the stream and waits for it. It is a no-op when
// nothing is loaded.
func (e *Engine) Infer() error {
	if e.st == nil {
		return nil
	}
	st := e.st
	for i := 0; i < st.reg.Len(); i++ {
		name, _ := st.reg.NameOf(i)
		if err := st.ctx.SetTensorAddress(name, st.bufs.Ptr(i)); err != nil {
			return fmt.Errorf("bind %q: %w", name, err)
		}
	}
	if err := st.ctx.EnqueueV3(st.stream); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := st.stream.Synchronize(); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	return nil
}

// Close releases the loaded state and the runtime in reverse acquisition
// order. It is idempotent.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	var errs []error
	if e.st != nil {
		errs = append(errs, e.st.release())
		e.st = nil
	}
	if e.runtime != nil {
		errs = append(errs, e.runtime.Close())
		e.runtime = nil
	}
	return errors.Join(errs...)
}

func (e *Engine) registry() *Registry {
	if e.st == nil {
		return nil
	}
	return e.st.reg
}

func (e *Engine) buffers() *Buffers {
	if e.st == nil {
		return nil
	}
	return e.st.bufs
}

// LoadData enqueues a copy of data into binding index.
func (e *Engine) LoadData(index int, data []float32) error {
	return e.buffers().LoadData(index, data)
}

// LoadDataByName enqueues a copy of data into the named binding.
func (e *Engine) LoadDataByName(name string, data []float32) error {
	i, ok := e.IndexOf(name)
	if !ok {
		return fmt.Errorf("%w: unknown binding %q", ErrIndexOutOfRange, name)
	}
	return e.LoadData(i, data)
}

// FetchResult copies binding index to host and synchronizes the stream.
func (e *Engine) FetchResult(index int) ([]float32, error) {
	return e.buffers().FetchResult(index)
}

// FetchResultByName is FetchResult addressed by binding name.
func (e *Engine) FetchResultByName(name string) ([]float32, error) {
	i, ok := e.IndexOf(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown binding %q", ErrIndexOutOfRange, name)
	}
	return e.FetchResult(i)
}

// The accessors below read the binding registry of the loaded engine. With
// nothing loaded they report no bindings: lookups fail and shapes are zero.

// IndexOf returns the binding index for name.
func (e *Engine) IndexOf(name string) (int, bool) { return e.registry().IndexOf(name) }

// NameOf returns the name of binding index.
func (e *Engine) NameOf(index int) (string, bool) { return e.registry().NameOf(index) }

// ShapeOf returns the shape of binding index, or zero Dims when out of range.
func (e *Engine) ShapeOf(index int) types.Dims { return e.registry().ShapeOf(index) }

// ShapeOfName returns the shape of the named binding, or zero Dims.
func (e *Engine) ShapeOfName(name string) types.Dims { return e.registry().ShapeOfName(name) }

// InputCount returns the number of input bindings.
func (e *Engine) InputCount() int { return e.registry().InputCount() }

// OutputCount returns the number of output bindings.
func (e *Engine) OutputCount() int { return e.registry().OutputCount() }

// Bindings returns every binding in index order.
func (e *Engine) Bindings() []types.Binding { return e.registry().Bindings() }

// Inputs returns the input bindings in index order.
func (e *Engine) Inputs() []types.Binding { return e.registry().Inputs() }

// Outputs returns the output bindings in index order.
func (e *Engine) Outputs() []types.Binding { return e.registry().Outputs() }

// InputName returns the name of the i-th input.
func (e *Engine) InputName(i int) (string, bool) {
	b, ok := e.registry().Input(i)
	return b.Name, ok
}

// OutputName returns the name of the i-th output.
func (e *Engine) OutputName(i int) (string, bool) {
	b, ok := e.registry().Output(i)
	return b.Name, ok
}

// DeviceBytes is the device memory held by the binding buffers.
func (e *Engine) DeviceBytes() int64 { return e.buffers().Bytes() }
