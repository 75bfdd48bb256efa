//go:build !tensorrt

package tensorrt

import (
	"fmt"

	"trtd/internal/trt"
)

// Available reports whether TensorRT support is compiled in.
const Available = false

// New always fails in builds without the tensorrt tag.
func New(Options) (trt.Platform, error) {
	return nil, fmt.Errorf("%w: built without -tags=tensorrt", trt.ErrUnavailable)
}
