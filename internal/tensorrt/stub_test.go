//go:build !tensorrt

package tensorrt

import (
	"errors"
	"testing"

	"trtd/internal/trt"
)

func TestNewWithoutTagIsUnavailable(t *testing.T) {
	p, err := New(Options{})
	if p != nil || !errors.Is(err, trt.ErrUnavailable) {
		t.Fatalf("New() = %v, %v", p, err)
	}
	if Available {
		t.Fatalf("Available without tag")
	}
}
