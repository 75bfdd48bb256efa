// Package tensorrt is the NVIDIA TensorRT + CUDA implementation of the trt
// contract. It is compiled only with -tags=tensorrt and needs the TensorRT 10
// headers and libraries (nvinfer, nvonnxparser, cudart) visible to cgo:
//
//	CGO_CFLAGS="-I/usr/local/cuda/include -I/opt/tensorrt/include" \
//	CGO_LDFLAGS="-L/usr/local/cuda/lib64 -L/opt/tensorrt/lib" \
//	go build -tags tensorrt ./cmd/trtd
//
// Without the tag New reports trt.ErrUnavailable.
package tensorrt

// Options selects the CUDA device.
type Options struct {
	Device int
}
