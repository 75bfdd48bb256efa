//go:build cabi

package main

/*
#include <stdint.h>
#include <stdlib.h>

typedef struct {
	int32_t nbDims;
	int32_t d[8];
} trtd_dims;
*/
import "C"

import (
	"os"
	"strings"
	"sync"
	"unsafe"

	"github.com/rs/zerolog"

	"trtd/internal/config"
	"trtd/internal/emulator"
	"trtd/internal/handle"
	"trtd/internal/logging"
	"trtd/internal/tensorrt"
	"trtd/internal/trt"
	"trtd/pkg/types"
)

var (
	tableOnce sync.Once
	table     *handle.Table

	// results handed to C, keyed by the malloc'd copy
	resMu   sync.Mutex
	results = map[unsafe.Pointer]handle.Result{}
)

func tbl() *handle.Table {
	tableOnce.Do(func() {
		log := logging.New(logging.Options{Level: envOr("TRTD_LOG_LEVEL", "warn"), Writer: os.Stderr})
		table = handle.NewTable(platform(log), log, logging.RuntimeLogger(log, trt.SeverityWarning))
	})
	return table
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func platform(log zerolog.Logger) trt.Platform {
	if strings.EqualFold(envOr("TRTD_BACKEND", config.BackendEmulator), config.BackendTensorRT) {
		p, err := tensorrt.New(tensorrt.Options{})
		if err == nil {
			return p
		}
		log.Error().Err(err).Msg("tensorrt backend unavailable, using emulator")
	}
	return emulator.New(emulator.Options{})
}

func toC(d types.Dims) C.trtd_dims {
	var out C.trtd_dims
	out.nbDims = C.int32_t(d.NbDims)
	for i := 0; i < types.MaxDims; i++ {
		out.d[i] = C.int32_t(d.D[i])
	}
	return out
}

func cbool(ok bool) C.int {
	if ok {
		return 1
	}
	return 0
}

func floats(data *C.float, size C.int) []float32 {
	if data == nil || size <= 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(data)), int(size))
}

//export trtd_create
func trtd_create() C.uint64_t {
	return C.uint64_t(tbl().Create())
}

//export trtd_create_with_model
func trtd_create_with_model(path *C.char) C.uint64_t {
	if path == nil {
		return 0
	}
	return C.uint64_t(tbl().CreateWithModel(C.GoString(path)))
}

//export trtd_load
func trtd_load(h C.uint64_t, path *C.char) C.int {
	if path == nil {
		return 0
	}
	return cbool(tbl().Load(handle.Handle(h), C.GoString(path)))
}

//export trtd_destroy
func trtd_destroy(h C.uint64_t) {
	tbl().Destroy(handle.Handle(h))
}

//export trtd_create_dims
func trtd_create_dims(nbDims C.int, d *C.int32_t) C.trtd_dims {
	if nbDims < 0 || d == nil {
		return C.trtd_dims{}
	}
	vals := unsafe.Slice((*int32)(unsafe.Pointer(d)), int(nbDims))
	dims := make([]int64, len(vals))
	for i, v := range vals {
		dims[i] = int64(v)
	}
	out, err := types.DimsOf(dims...)
	if err != nil {
		return C.trtd_dims{}
	}
	return toC(out)
}

//export trtd_get_binding_dimensions
func trtd_get_binding_dimensions(h C.uint64_t, index C.int) C.trtd_dims {
	return toC(tbl().BindingDimensions(handle.Handle(h), int(index)))
}

//export trtd_get_binding_dimensions_by_name
func trtd_get_binding_dimensions_by_name(h C.uint64_t, name *C.char) C.trtd_dims {
	if name == nil {
		return C.trtd_dims{}
	}
	return toC(tbl().BindingDimensionsByName(handle.Handle(h), C.GoString(name)))
}

//export trtd_load_inference_data
func trtd_load_inference_data(h C.uint64_t, index C.int, data *C.float, size C.int) C.int {
	return cbool(tbl().LoadData(handle.Handle(h), int(index), floats(data, size)))
}

//export trtd_load_inference_data_by_name
func trtd_load_inference_data_by_name(h C.uint64_t, name *C.char, data *C.float, size C.int) C.int {
	if name == nil {
		return 0
	}
	return cbool(tbl().LoadDataByName(handle.Handle(h), C.GoString(name), floats(data, size)))
}

//export trtd_infer
func trtd_infer(h C.uint64_t) C.int {
	return cbool(tbl().Infer(handle.Handle(h)))
}

// publish copies a fetched result into C memory owned by the caller until
// trtd_free_result.
func publish(r handle.Result, n int, size *C.int) *C.float {
	if size != nil {
		*size = 0
	}
	if r == 0 {
		return nil
	}
	data := tbl().ResultData(r)
	if len(data) == 0 {
		tbl().FreeResult(r)
		return nil
	}
	p := C.malloc(C.size_t(len(data) * 4))
	copy(unsafe.Slice((*float32)(p), len(data)), data)
	resMu.Lock()
	results[p] = r
	resMu.Unlock()
	if size != nil {
		*size = C.int(n)
	}
	return (*C.float)(p)
}

//export trtd_get_inference_result
func trtd_get_inference_result(h C.uint64_t, index C.int, size *C.int) *C.float {
	r, n := tbl().FetchResult(handle.Handle(h), int(index))
	return publish(r, n, size)
}

//export trtd_get_inference_result_by_name
func trtd_get_inference_result_by_name(h C.uint64_t, name *C.char, size *C.int) *C.float {
	if name == nil {
		if size != nil {
			*size = 0
		}
		return nil
	}
	r, n := tbl().FetchResultByName(handle.Handle(h), C.GoString(name))
	return publish(r, n, size)
}

// Freeing a pointer twice or one not returned by a get_inference_result call
// is ignored.
//
//export trtd_free_result
func trtd_free_result(p *C.float) {
	key := unsafe.Pointer(p)
	resMu.Lock()
	r, ok := results[key]
	delete(results, key)
	resMu.Unlock()
	if !ok {
		return
	}
	tbl().FreeResult(r)
	C.free(key)
}

//export trtd_get_input_count
func trtd_get_input_count(h C.uint64_t) C.int {
	return C.int(tbl().InputCount(handle.Handle(h)))
}

//export trtd_get_output_count
func trtd_get_output_count(h C.uint64_t) C.int {
	return C.int(tbl().OutputCount(handle.Handle(h)))
}

// Names are returned in malloc'd memory released with trtd_free_string. An
// out-of-range index gives NULL.
//
//export trtd_get_input_name
func trtd_get_input_name(h C.uint64_t, index C.int) *C.char {
	return cstring(tbl().InputName(handle.Handle(h), int(index)))
}

//export trtd_get_output_name
func trtd_get_output_name(h C.uint64_t, index C.int) *C.char {
	return cstring(tbl().OutputName(handle.Handle(h), int(index)))
}

func cstring(s string) *C.char {
	if s == "" {
		return nil
	}
	return C.CString(s)
}

//export trtd_free_string
func trtd_free_string(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

//export trtd_onnx_to_engine
func trtd_onnx_to_engine(path *C.char, memoryMiB C.int) C.int {
	if path == nil {
		return 0
	}
	return cbool(tbl().OnnxToEngine(C.GoString(path), int(memoryMiB)))
}
