// Package handle exposes engine instances through opaque integer handles for
// callers that cannot hold Go pointers, such as the C ABI in cmd/libtrtd.
//
// Every failure is absorbed here: constructors return the null handle 0,
// queries on a null or unknown handle return zero values, and actions report
// false. The cause is logged.
package handle

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"trtd/internal/compiler"
	"trtd/internal/engine"
	"trtd/internal/trt"
	"trtd/pkg/types"
)

// Handle identifies an engine instance. Zero is null.
type Handle uint64

// Result identifies a fetched output buffer. Zero is null.
type Result uint64

type entry struct {
	mu  sync.Mutex // engine.Engine is not safe for concurrent use
	eng *engine.Engine
}

// Table owns every instance and result handed out through it.
type Table struct {
	platform trt.Platform
	log      zerolog.Logger
	rtLog    trt.Logger

	mu      sync.Mutex
	next    uint64
	engines map[Handle]*entry
	results map[Result][]float32
}

// NewTable creates an empty table on platform. rtLog receives native
// diagnostics; nil selects the engine default.
func NewTable(platform trt.Platform, log zerolog.Logger, rtLog trt.Logger) *Table {
	return &Table{
		platform: platform,
		log:      log,
		rtLog:    rtLog,
		engines:  make(map[Handle]*entry),
		results:  make(map[Result][]float32),
	}
}

func (t *Table) opts() []engine.Option {
	opts := []engine.Option{engine.WithLogger(t.log)}
	if t.rtLog != nil {
		opts = append(opts, engine.WithRuntimeLogger(t.rtLog))
	}
	return opts
}

func (t *Table) id() uint64 {
	t.next++
	return t.next
}

func (t *Table) add(e *engine.Engine) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := Handle(t.id())
	t.engines[h] = &entry{eng: e}
	return h
}

// Create returns an unloaded instance, or 0 when the runtime cannot be built.
func (t *Table) Create() Handle {
	e, err := engine.New(t.platform, t.opts()...)
	if err != nil {
		t.log.Error().Err(err).Msg("create engine instance")
		return 0
	}
	return t.add(e)
}

// CreateWithModel returns an instance with path loaded, or 0.
func (t *Table) CreateWithModel(path string) Handle {
	e, err := engine.Open(t.platform, path, t.opts()...)
	if err != nil {
		t.log.Error().Err(err).Str("path", path).Msg("create engine instance")
		return 0
	}
	return t.add(e)
}

// Destroy releases the instance. It reports false for null or unknown handles.
func (t *Table) Destroy(h Handle) bool {
	t.mu.Lock()
	en, ok := t.engines[h]
	delete(t.engines, h)
	t.mu.Unlock()
	if !ok {
		return false
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if err := en.eng.Close(); err != nil {
		t.log.Warn().Err(err).Uint64("handle", uint64(h)).Msg("engine did not release cleanly")
	}
	return true
}

// with runs fn on h's engine under its lock. ok is false for unknown handles.
func (t *Table) with(h Handle, fn func(e *engine.Engine)) bool {
	t.mu.Lock()
	en, ok := t.engines[h]
	t.mu.Unlock()
	if !ok {
		return false
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	fn(en.eng)
	return true
}

func (t *Table) do(h Handle, op string, fn func(e *engine.Engine) error) bool {
	var err error
	if !t.with(h, func(e *engine.Engine) { err = fn(e) }) {
		return false
	}
	if err != nil {
		t.log.Error().Err(err).Uint64("handle", uint64(h)).Msg(op)
		return false
	}
	return true
}

// Load loads an engine file into an unloaded instance.
func (t *Table) Load(h Handle, path string) bool {
	return t.do(h, "load engine", func(e *engine.Engine) error { return e.Load(path) })
}

// BindingDimensions returns the shape of binding index, or zero Dims for an
// unknown handle or index.
func (t *Table) BindingDimensions(h Handle, index int) types.Dims {
	var d types.Dims
	t.with(h, func(e *engine.Engine) { d = e.ShapeOf(index) })
	return d
}

// BindingDimensionsByName is BindingDimensions addressed by binding name.
func (t *Table) BindingDimensionsByName(h Handle, name string) types.Dims {
	var d types.Dims
	t.with(h, func(e *engine.Engine) { d = e.ShapeOfName(name) })
	return d
}

// LoadData copies data into input binding index. It must hold exactly the
// binding's element count.
func (t *Table) LoadData(h Handle, index int, data []float32) bool {
	return t.do(h, "load data", func(e *engine.Engine) error { return e.LoadData(index, data) })
}

// LoadDataByName is LoadData addressed by binding name.
func (t *Table) LoadDataByName(h Handle, name string, data []float32) bool {
	return t.do(h, "load data", func(e *engine.Engine) error { return e.LoadDataByName(name, data) })
}

// Infer runs the engine once over the loaded inputs and waits for completion.
func (t *Table) Infer(h Handle) bool {
	return t.do(h, "infer", func(e *engine.Engine) error { return e.Infer() })
}

// FetchResult copies output index to a new result and returns its handle and
// element count, or (0, 0). The result must be released with FreeResult.
func (t *Table) FetchResult(h Handle, index int) (Result, int) {
	var data []float32
	ok := t.do(h, "fetch result", func(e *engine.Engine) (err error) {
		data, err = e.FetchResult(index)
		return err
	})
	if !ok {
		return 0, 0
	}
	return t.register(data), len(data)
}

// FetchResultByName is FetchResult addressed by binding name.
func (t *Table) FetchResultByName(h Handle, name string) (Result, int) {
	var data []float32
	ok := t.do(h, "fetch result", func(e *engine.Engine) (err error) {
		data, err = e.FetchResultByName(name)
		return err
	})
	if !ok {
		return 0, 0
	}
	return t.register(data), len(data)
}

func (t *Table) register(data []float32) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := Result(t.id())
	t.results[r] = data
	return r
}

// ResultData returns the values of a live result, nil otherwise.
func (t *Table) ResultData(r Result) []float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.results[r]
}

// FreeResult releases a result. A second free of the same result, or a free
// of an unknown one, reports false.
func (t *Table) FreeResult(r Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.results[r]; !ok {
		return false
	}
	delete(t.results, r)
	return true
}

// InputCount returns the input binding count, or 0 for an unknown handle.
func (t *Table) InputCount(h Handle) int {
	var n int
	t.with(h, func(e *engine.Engine) { n = e.InputCount() })
	return n
}

// OutputCount returns the output binding count, or 0 for an unknown handle.
func (t *Table) OutputCount(h Handle) int {
	var n int
	t.with(h, func(e *engine.Engine) { n = e.OutputCount() })
	return n
}

// InputName returns the name of the i-th input, "" when out of range.
func (t *Table) InputName(h Handle, i int) string {
	var s string
	t.with(h, func(e *engine.Engine) { s, _ = e.InputName(i) })
	return s
}

// OutputName returns the name of the i-th output, "" when out of range.
func (t *Table) OutputName(h Handle, i int) string {
	var s string
	t.with(h, func(e *engine.Engine) { s, _ = e.OutputName(i) })
	return s
}

// Live reports the number of instances and unreleased results.
func (t *Table) Live() (engines, results int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.engines), len(t.results)
}

// OnnxToEngine compiles path next to itself with a workspace of memoryMiB,
// which must be positive.
func (t *Table) OnnxToEngine(path string, memoryMiB int) bool {
	if memoryMiB <= 0 {
		t.log.Error().Int("memory_mib", memoryMiB).Err(compiler.ErrInvalidWorkspace).Msg("onnx to engine")
		return false
	}
	_, err := compiler.Compile(context.Background(), t.platform, path, compiler.Options{
		WorkspaceMiB:  memoryMiB,
		Logger:        &t.log,
		RuntimeLogger: t.rtLog,
	})
	if err != nil {
		t.log.Error().Err(err).Str("path", path).Msg("onnx to engine")
		return false
	}
	return true
}
