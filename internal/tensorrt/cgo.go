//go:build tensorrt

package tensorrt

/*
#cgo CXXFLAGS: -std=c++17
#cgo LDFLAGS: -lnvinfer -lnvonnxparser -lcudart -lstdc++
#include <stdlib.h>
#include "shim.h"
*/
import "C"

import (
	"fmt"
	"runtime/cgo"
	"sync"
	"unsafe"

	"trtd/internal/trt"
	"trtd/pkg/types"
)

// Available reports whether TensorRT support is compiled in.
const Available = true

//export goTrtdLog
func goTrtdLog(h C.uintptr_t, severity C.int, msg *C.char) {
	l, ok := cgo.Handle(h).Value().(trt.Logger)
	if !ok || l == nil {
		return
	}
	l.Log(trt.Severity(severity), C.GoString(msg))
}

// nativeLogger pins a trt.Logger behind a C++ ILogger for the lifetime of the
// object that was created with it.
type nativeLogger struct {
	h   cgo.Handle
	ptr unsafe.Pointer
}

func newNativeLogger(l trt.Logger) *nativeLogger {
	if l == nil {
		l = trt.DiscardLogger{}
	}
	h := cgo.NewHandle(l)
	return &nativeLogger{h: h, ptr: C.trtd_logger_new(C.uintptr_t(h))}
}

func (n *nativeLogger) release() {
	if n == nil || n.ptr == nil {
		return
	}
	C.trtd_logger_delete(n.ptr)
	n.h.Delete()
	n.ptr = nil
}

func cudaErr(op string, rc C.int) error {
	if rc == 0 {
		return nil
	}
	msg := C.GoString(C.trtd_cuda_error_string(rc))
	if rc == 2 { // cudaErrorMemoryAllocation
		return fmt.Errorf("tensorrt: %s: %w: %s", op, trt.ErrOutOfMemory, msg)
	}
	return fmt.Errorf("tensorrt: %s: %s (cuda error %d)", op, msg, int(rc))
}

// New initializes the CUDA device and returns a TensorRT platform.
func New(opts Options) (trt.Platform, error) {
	if err := cudaErr("set device", C.trtd_cuda_set_device(C.int(opts.Device))); err != nil {
		return nil, fmt.Errorf("%w: %v", trt.ErrUnavailable, err)
	}
	return &platform{dev: &device{id: opts.Device}}, nil
}

type platform struct {
	dev *device
}

func (p *platform) Name() string       { return "tensorrt" }
func (p *platform) Device() trt.Device { return p.dev }

func (p *platform) NewRuntime(log trt.Logger) (trt.Runtime, error) {
	nl := newNativeLogger(log)
	ptr := C.trtd_runtime_new(nl.ptr)
	if ptr == nil {
		nl.release()
		return nil, fmt.Errorf("%w: createInferRuntime", trt.ErrConstruction)
	}
	return &runtimeObj{ptr: ptr, log: nl}, nil
}

func (p *platform) NewBuilder(log trt.Logger) (trt.Builder, error) {
	nl := newNativeLogger(log)
	ptr := C.trtd_builder_new(nl.ptr)
	if ptr == nil {
		nl.release()
		return nil, fmt.Errorf("%w: createInferBuilder", trt.ErrConstruction)
	}
	return &builder{ptr: ptr, log: nl}, nil
}

func (p *platform) NewOnnxParser(net trt.Network, log trt.Logger) (trt.Parser, error) {
	n, ok := net.(*network)
	if !ok || n == nil || n.ptr == nil {
		return nil, fmt.Errorf("tensorrt: network was not created by the tensorrt builder")
	}
	nl := newNativeLogger(log)
	ptr := C.trtd_parser_new(n.ptr, nl.ptr)
	if ptr == nil {
		nl.release()
		return nil, fmt.Errorf("%w: createParser", trt.ErrConstruction)
	}
	return &parser{ptr: ptr, log: nl}, nil
}

type device struct {
	id int
	mu sync.Mutex
	// live tracks issued pointers so Free can reject foreign ones.
	live map[trt.DevicePtr]struct{}
}

func (d *device) Malloc(size int64) (trt.DevicePtr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("tensorrt: malloc of %d bytes", size)
	}
	var p unsafe.Pointer
	if err := cudaErr("cudaMalloc", C.trtd_cuda_malloc(&p, C.size_t(size))); err != nil {
		return 0, err
	}
	ptr := trt.DevicePtr(uintptr(p))
	d.mu.Lock()
	if d.live == nil {
		d.live = make(map[trt.DevicePtr]struct{})
	}
	d.live[ptr] = struct{}{}
	d.mu.Unlock()
	return ptr, nil
}

func (d *device) Free(ptr trt.DevicePtr) error {
	d.mu.Lock()
	_, ok := d.live[ptr]
	delete(d.live, ptr)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: free of %#x", trt.ErrInvalidPointer, uintptr(ptr))
	}
	return cudaErr("cudaFree", C.trtd_cuda_free(devPtr(ptr)))
}

func (d *device) NewStream() (trt.Stream, error) {
	var s unsafe.Pointer
	if err := cudaErr("cudaStreamCreate", C.trtd_cuda_stream_create(&s)); err != nil {
		return nil, err
	}
	return &stream{ptr: s}, nil
}

// Host buffers handed to async copies must stay valid until the stream is
// synchronized, so streams keep a reference to every pending buffer. The
// buffers are copied into C memory to satisfy the cgo pointer rules.
func (d *device) MemcpyHtoDAsync(dst trt.DevicePtr, src []byte, s trt.Stream) error {
	st, err := asStream(s)
	if err != nil || len(src) == 0 {
		return err
	}
	buf := C.CBytes(src)
	st.pin(buf, nil)
	return cudaErr("cudaMemcpyAsync HtoD", C.trtd_cuda_memcpy_htod_async(devPtr(dst), buf, C.size_t(len(src)), st.ptr))
}

func (d *device) MemcpyDtoHAsync(dst []byte, src trt.DevicePtr, s trt.Stream) error {
	st, err := asStream(s)
	if err != nil || len(dst) == 0 {
		return err
	}
	buf := C.malloc(C.size_t(len(dst)))
	st.pin(buf, dst)
	return cudaErr("cudaMemcpyAsync DtoH", C.trtd_cuda_memcpy_dtoh_async(buf, devPtr(src), C.size_t(len(dst)), st.ptr))
}

func (d *device) MemInfo() (free, total int64) {
	var f, t C.size_t
	if C.trtd_cuda_mem_info(&f, &t) != 0 {
		return 0, 0
	}
	return int64(f), int64(t)
}

// devPtr converts an opaque device address back to the pointer type cgo
// expects. Device addresses are never dereferenced on the Go side.
func devPtr(p trt.DevicePtr) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&p))
}

type pending struct {
	buf unsafe.Pointer
	// dst is non-nil for device-to-host copies and receives buf on sync.
	dst []byte
}

type stream struct {
	mu      sync.Mutex
	ptr     unsafe.Pointer
	pending []pending
	closed  bool
}

func asStream(s trt.Stream) (*stream, error) {
	st, ok := s.(*stream)
	if !ok || st == nil {
		return nil, fmt.Errorf("tensorrt: stream was not created by the tensorrt device")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, fmt.Errorf("tensorrt: stream: %w", trt.ErrClosed)
	}
	return st, nil
}

func (s *stream) pin(buf unsafe.Pointer, dst []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, pending{buf: buf, dst: dst})
	s.mu.Unlock()
}

func (s *stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("tensorrt: stream: %w", trt.ErrClosed)
	}
	err := cudaErr("cudaStreamSynchronize", C.trtd_cuda_stream_sync(s.ptr))
	for _, p := range s.pending {
		if err == nil && p.dst != nil {
			copy(p.dst, unsafe.Slice((*byte)(p.buf), len(p.dst)))
		}
		C.free(p.buf)
	}
	s.pending = nil
	return err
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = C.trtd_cuda_stream_sync(s.ptr)
	for _, p := range s.pending {
		C.free(p.buf)
	}
	s.pending = nil
	return cudaErr("cudaStreamDestroy", C.trtd_cuda_stream_destroy(s.ptr))
}

type runtimeObj struct {
	ptr unsafe.Pointer
	log *nativeLogger
}

func (r *runtimeObj) DeserializeEngine(plan []byte) (trt.Engine, error) {
	if r.ptr == nil {
		return nil, fmt.Errorf("tensorrt: runtime: %w", trt.ErrClosed)
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("%w: empty engine plan", trt.ErrFormat)
	}
	buf := C.CBytes(plan)
	defer C.free(buf)
	ptr := C.trtd_runtime_deserialize(r.ptr, buf, C.size_t(len(plan)))
	if ptr == nil {
		return nil, fmt.Errorf("%w: deserializeCudaEngine rejected the plan", trt.ErrFormat)
	}
	return &engine{ptr: ptr}, nil
}

func (r *runtimeObj) Close() error {
	if r.ptr == nil {
		return nil
	}
	C.trtd_runtime_delete(r.ptr)
	r.ptr = nil
	r.log.release()
	return nil
}

type engine struct {
	ptr unsafe.Pointer
}

func (e *engine) NumIOTensors() int {
	if e.ptr == nil {
		return 0
	}
	return int(C.trtd_engine_num_io(e.ptr))
}

func (e *engine) IOTensorName(i int) string {
	if e.ptr == nil || i < 0 || i >= e.NumIOTensors() {
		return ""
	}
	return C.GoString(C.trtd_engine_io_name(e.ptr, C.int(i)))
}

func (e *engine) TensorIOMode(name string) types.IOMode {
	if e.ptr == nil {
		return types.IOModeNone
	}
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	switch C.trtd_engine_io_mode(e.ptr, cs) {
	case 1:
		return types.IOModeInput
	case 2:
		return types.IOModeOutput
	default:
		return types.IOModeNone
	}
}

func (e *engine) TensorShape(name string) types.Dims {
	if e.ptr == nil || e.TensorIOMode(name) == types.IOModeNone {
		return types.Dims{}
	}
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	cd := C.trtd_engine_shape(e.ptr, cs)
	n := int(cd.nbDims)
	if n > types.MaxDims {
		return types.Dims{}
	}
	vals := make([]int64, n)
	for i := range vals {
		vals[i] = int64(cd.d[i])
	}
	// A dimension outside int32 cannot be described; report it as unknown.
	d, err := types.DimsOf(vals...)
	if err != nil {
		return types.Dims{}
	}
	return d
}

func (e *engine) CreateExecutionContext() (trt.ExecutionContext, error) {
	if e.ptr == nil {
		return nil, fmt.Errorf("tensorrt: engine: %w", trt.ErrClosed)
	}
	ptr := C.trtd_engine_create_context(e.ptr)
	if ptr == nil {
		return nil, fmt.Errorf("%w: createExecutionContext", trt.ErrConstruction)
	}
	return &execContext{ptr: ptr}, nil
}

func (e *engine) Serialize() ([]byte, error) {
	if e.ptr == nil {
		return nil, fmt.Errorf("tensorrt: engine: %w", trt.ErrClosed)
	}
	mem := C.trtd_engine_serialize(e.ptr)
	if mem == nil {
		return nil, fmt.Errorf("%w: engine serialization", trt.ErrConstruction)
	}
	return hostMemoryBytes(mem), nil
}

func (e *engine) Close() error {
	if e.ptr == nil {
		return nil
	}
	C.trtd_engine_delete(e.ptr)
	e.ptr = nil
	return nil
}

// hostMemoryBytes copies an IHostMemory into Go memory and destroys it.
func hostMemoryBytes(mem unsafe.Pointer) []byte {
	defer C.trtd_host_memory_delete(mem)
	n := C.trtd_host_memory_size(mem)
	return C.GoBytes(C.trtd_host_memory_data(mem), C.int(n))
}

type execContext struct {
	ptr unsafe.Pointer
}

func (c *execContext) SetTensorAddress(name string, ptr trt.DevicePtr) error {
	if c.ptr == nil {
		return fmt.Errorf("tensorrt: context: %w", trt.ErrClosed)
	}
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	if C.trtd_context_set_tensor_address(c.ptr, cs, devPtr(ptr)) == 0 {
		return fmt.Errorf("tensorrt: setTensorAddress %q failed", name)
	}
	return nil
}

func (c *execContext) EnqueueV3(s trt.Stream) error {
	if c.ptr == nil {
		return fmt.Errorf("tensorrt: context: %w", trt.ErrClosed)
	}
	st, err := asStream(s)
	if err != nil {
		return err
	}
	if C.trtd_context_enqueue_v3(c.ptr, st.ptr) == 0 {
		return fmt.Errorf("tensorrt: enqueueV3 failed")
	}
	return nil
}

func (c *execContext) Close() error {
	if c.ptr == nil {
		return nil
	}
	C.trtd_context_delete(c.ptr)
	c.ptr = nil
	return nil
}

type builder struct {
	ptr unsafe.Pointer
	log *nativeLogger
}

func (b *builder) CreateNetwork(flags trt.NetworkFlags) (trt.Network, error) {
	if b.ptr == nil {
		return nil, fmt.Errorf("tensorrt: builder: %w", trt.ErrClosed)
	}
	// TensorRT 10 networks are always explicit batch; the flag bit is
	// deprecated and passing 0 is equivalent.
	_ = flags
	ptr := C.trtd_builder_create_network(b.ptr, 0)
	if ptr == nil {
		return nil, fmt.Errorf("%w: createNetworkV2", trt.ErrConstruction)
	}
	return &network{ptr: ptr}, nil
}

func (b *builder) CreateBuilderConfig() (trt.BuilderConfig, error) {
	if b.ptr == nil {
		return nil, fmt.Errorf("tensorrt: builder: %w", trt.ErrClosed)
	}
	ptr := C.trtd_builder_create_config(b.ptr)
	if ptr == nil {
		return nil, fmt.Errorf("%w: createBuilderConfig", trt.ErrConstruction)
	}
	return &builderConfig{ptr: ptr}, nil
}

func (b *builder) PlatformHasFastFP16() bool {
	return b.ptr != nil && C.trtd_builder_fast_fp16(b.ptr) != 0
}

// BuildEngine builds a serialized network and deserializes it with a fresh
// runtime so the caller receives a live engine.
func (b *builder) BuildEngine(n trt.Network, c trt.BuilderConfig) (trt.Engine, error) {
	if b.ptr == nil {
		return nil, fmt.Errorf("tensorrt: builder: %w", trt.ErrClosed)
	}
	net, ok := n.(*network)
	if !ok || net == nil || net.ptr == nil {
		return nil, fmt.Errorf("tensorrt: network was not created by the tensorrt builder")
	}
	cfg, ok := c.(*builderConfig)
	if !ok || cfg == nil || cfg.ptr == nil {
		return nil, fmt.Errorf("tensorrt: builder config was not created by the tensorrt builder")
	}
	mem := C.trtd_builder_build_serialized(b.ptr, net.ptr, cfg.ptr)
	if mem == nil {
		return nil, fmt.Errorf("%w: buildSerializedNetwork", trt.ErrConstruction)
	}
	plan := hostMemoryBytes(mem)

	rt := C.trtd_runtime_new(b.log.ptr)
	if rt == nil {
		return nil, fmt.Errorf("%w: createInferRuntime", trt.ErrConstruction)
	}
	defer C.trtd_runtime_delete(rt)
	buf := C.CBytes(plan)
	defer C.free(buf)
	ptr := C.trtd_runtime_deserialize(rt, buf, C.size_t(len(plan)))
	if ptr == nil {
		return nil, fmt.Errorf("%w: freshly built plan did not deserialize", trt.ErrConstruction)
	}
	return &engine{ptr: ptr}, nil
}

func (b *builder) Close() error {
	if b.ptr == nil {
		return nil
	}
	C.trtd_builder_delete(b.ptr)
	b.ptr = nil
	b.log.release()
	return nil
}

type network struct {
	ptr unsafe.Pointer
}

func (n *network) NumInputs() int {
	if n.ptr == nil {
		return 0
	}
	return int(C.trtd_network_num_inputs(n.ptr))
}

func (n *network) NumOutputs() int {
	if n.ptr == nil {
		return 0
	}
	return int(C.trtd_network_num_outputs(n.ptr))
}

func (n *network) NumLayers() int {
	if n.ptr == nil {
		return 0
	}
	return int(C.trtd_network_num_layers(n.ptr))
}

func (n *network) Close() error {
	if n.ptr == nil {
		return nil
	}
	C.trtd_network_delete(n.ptr)
	n.ptr = nil
	return nil
}

type builderConfig struct {
	ptr unsafe.Pointer
}

func (c *builderConfig) SetMemoryPoolLimit(pool trt.MemoryPool, bytes uint64) {
	if c.ptr != nil && pool == trt.MemoryPoolWorkspace {
		C.trtd_config_set_workspace(c.ptr, C.uint64_t(bytes))
	}
}

func (c *builderConfig) SetFlag(flag trt.BuilderFlag) {
	if c.ptr != nil && flag == trt.BuilderFlagFP16 {
		C.trtd_config_set_fp16(c.ptr)
	}
}

func (c *builderConfig) Close() error {
	if c.ptr == nil {
		return nil
	}
	C.trtd_config_delete(c.ptr)
	c.ptr = nil
	return nil
}

type parser struct {
	ptr unsafe.Pointer
	log *nativeLogger
}

func (p *parser) ParseFromFile(path string, verbosity trt.Severity) error {
	if p.ptr == nil {
		return fmt.Errorf("tensorrt: parser: %w", trt.ErrClosed)
	}
	cs := C.CString(path)
	defer C.free(unsafe.Pointer(cs))
	if C.trtd_parser_parse_file(p.ptr, cs, C.int(verbosity)) == 0 {
		return fmt.Errorf("%w: failed to parse onnx file %s", trt.ErrFormat, path)
	}
	return nil
}

func (p *parser) Close() error {
	if p.ptr == nil {
		return nil
	}
	C.trtd_parser_delete(p.ptr)
	p.ptr = nil
	p.log.release()
	return nil
}
