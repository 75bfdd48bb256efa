package emulator

import (
	"fmt"
	"sync"

	"trtd/internal/trt"
	"trtd/pkg/types"
)

type runtime struct {
	dev    *Device
	log    trt.Logger
	mu     sync.Mutex
	closed bool
}

func (r *runtime) DeserializeEngine(b []byte) (trt.Engine, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("emulator: runtime: %w", trt.ErrClosed)
	}
	p, err := unmarshalPlan(b)
	if err != nil {
		r.log.Log(trt.SeverityError, "engine deserialization failed: "+err.Error())
		return nil, err
	}
	e, err := newEngine(r.dev, p)
	if err != nil {
		r.log.Log(trt.SeverityError, "engine deserialization failed: "+err.Error())
		return nil, err
	}
	r.log.Log(trt.SeverityInfo, fmt.Sprintf("deserialized engine %q with %d I/O tensors", p.Name, len(p.Tensors)))
	return e, nil
}

func (r *runtime) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// engine keeps its weights resident in device memory for its lifetime.
type engine struct {
	dev     *Device
	plan    *plan
	byName  map[string]int
	weights trt.DevicePtr

	mu     sync.Mutex
	closed bool
}

func newEngine(dev *Device, p *plan) (*engine, error) {
	e := &engine{dev: dev, plan: p, byName: make(map[string]int, len(p.Tensors))}
	for i, t := range p.Tensors {
		e.byName[t.Name] = i
	}
	var n int64
	for _, w := range p.Weights {
		n += int64(len(w.Bytes))
	}
	if n > 0 {
		ptr, err := dev.Malloc(n)
		if err != nil {
			return nil, fmt.Errorf("emulator: upload %d weight bytes: %w", n, err)
		}
		e.weights = ptr
	}
	return e, nil
}

func (e *engine) NumIOTensors() int { return len(e.plan.Tensors) }

func (e *engine) IOTensorName(i int) string {
	if i < 0 || i >= len(e.plan.Tensors) {
		return ""
	}
	return e.plan.Tensors[i].Name
}

func (e *engine) TensorIOMode(name string) types.IOMode {
	i, ok := e.byName[name]
	if !ok {
		return types.IOModeNone
	}
	if e.plan.Tensors[i].Input {
		return types.IOModeInput
	}
	return types.IOModeOutput
}

func (e *engine) TensorShape(name string) types.Dims {
	i, ok := e.byName[name]
	if !ok {
		return types.Dims{}
	}
	return e.plan.Tensors[i].Shape
}

func (e *engine) CreateExecutionContext() (trt.ExecutionContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("emulator: engine: %w", trt.ErrClosed)
	}
	return &execContext{eng: e, addrs: make(map[string]trt.DevicePtr, len(e.plan.Tensors))}, nil
}

func (e *engine) Serialize() ([]byte, error) {
	return e.plan.marshal(), nil
}

func (e *engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.weights != 0 {
		return e.dev.Free(e.weights)
	}
	return nil
}

// execContext binds tensor names to device addresses. Execution copies every
// aliased input into its output; other outputs keep whatever the device
// holds.
type execContext struct {
	eng    *engine
	addrs  map[string]trt.DevicePtr
	closed bool
}

func (c *execContext) SetTensorAddress(name string, ptr trt.DevicePtr) error {
	if c.closed {
		return fmt.Errorf("emulator: context: %w", trt.ErrClosed)
	}
	if _, ok := c.eng.byName[name]; !ok {
		return fmt.Errorf("emulator: unknown tensor %q", name)
	}
	c.addrs[name] = ptr
	return nil
}

func (c *execContext) EnqueueV3(s trt.Stream) error {
	if c.closed {
		return fmt.Errorf("emulator: context: %w", trt.ErrClosed)
	}
	st, err := asStream(s)
	if err != nil {
		return err
	}
	for _, t := range c.eng.plan.Tensors {
		ptr, ok := c.addrs[t.Name]
		if !ok || ptr == 0 {
			return fmt.Errorf("emulator: tensor %q has no address", t.Name)
		}
		n, err := t.Shape.ElementCount()
		if err != nil {
			return fmt.Errorf("emulator: tensor %q: %w", t.Name, err)
		}
		size, live := c.eng.dev.sizeOf(ptr)
		if !live {
			return fmt.Errorf("%w: tensor %q bound to %#x", trt.ErrInvalidPointer, t.Name, uintptr(ptr))
		}
		if size < n*4 {
			return fmt.Errorf("emulator: tensor %q needs %d bytes, bound buffer holds %d", t.Name, n*4, size)
		}
	}
	aliases := c.eng.plan.Aliases
	addrs := make(map[string]trt.DevicePtr, len(c.addrs))
	for k, v := range c.addrs {
		addrs[k] = v
	}
	dev := c.eng.dev
	return st.enqueue(func() error {
		for _, a := range aliases {
			if err := dev.copyWithin(addrs[a.Output], addrs[a.Input]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *execContext) Close() error {
	c.closed = true
	return nil
}
