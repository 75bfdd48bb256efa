package engine

import (
	"trtd/internal/trt"
	"trtd/pkg/types"
)

// NotFound is the index reported for unknown binding names.
const NotFound = -1

// Registry is the I/O tensor contract of a loaded engine, in native order.
// Inputs and outputs keep the relative order of the engine's enumeration and
// remember their native index. The zero value and a nil *Registry are empty.
type Registry struct {
	all     []types.Binding
	inputs  []int
	outputs []int
	byName  map[string]int
}

// Discover enumerates eng's I/O tensors. Tensors with neither input nor
// output mode are kept in the native numbering but belong to neither list.
func Discover(eng trt.Engine) *Registry {
	n := eng.NumIOTensors()
	r := &Registry{
		all:    make([]types.Binding, 0, n),
		byName: make(map[string]int, n),
	}
	for i := 0; i < n; i++ {
		name := eng.IOTensorName(i)
		b := types.Binding{
			Name:  name,
			Index: i,
			Mode:  eng.TensorIOMode(name),
			Shape: eng.TensorShape(name),
		}
		r.all = append(r.all, b)
		r.byName[name] = i
		switch b.Mode {
		case types.IOModeInput:
			r.inputs = append(r.inputs, i)
		case types.IOModeOutput:
			r.outputs = append(r.outputs, i)
		}
	}
	return r
}

// Len is the total binding count.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.all)
}

// InputCount returns the number of input bindings.
func (r *Registry) InputCount() int {
	if r == nil {
		return 0
	}
	return len(r.inputs)
}

// OutputCount returns the number of output bindings.
func (r *Registry) OutputCount() int {
	if r == nil {
		return 0
	}
	return len(r.outputs)
}

// Input returns the i-th input binding.
func (r *Registry) Input(i int) (types.Binding, bool) {
	if r == nil || i < 0 || i >= len(r.inputs) {
		return types.Binding{}, false
	}
	return r.all[r.inputs[i]], true
}

// Output returns the i-th output binding.
func (r *Registry) Output(i int) (types.Binding, bool) {
	if r == nil || i < 0 || i >= len(r.outputs) {
		return types.Binding{}, false
	}
	return r.all[r.outputs[i]], true
}

// IndexOf returns the native index of name, or (NotFound, false).
func (r *Registry) IndexOf(name string) (int, bool) {
	if r == nil {
		return NotFound, false
	}
	i, ok := r.byName[name]
	if !ok {
		return NotFound, false
	}
	return i, true
}

// NameOf returns the name of binding index.
func (r *Registry) NameOf(index int) (string, bool) {
	if r == nil || index < 0 || index >= len(r.all) {
		return "", false
	}
	return r.all[index].Name, true
}

// ShapeOf returns the static shape of binding index, or zero Dims.
func (r *Registry) ShapeOf(index int) types.Dims {
	if r == nil || index < 0 || index >= len(r.all) {
		return types.Dims{}
	}
	return r.all[index].Shape
}

// ShapeOfName returns the static shape of the named binding, or zero Dims.
func (r *Registry) ShapeOfName(name string) types.Dims {
	i, ok := r.IndexOf(name)
	if !ok {
		return types.Dims{}
	}
	return r.all[i].Shape
}

// Bindings returns a copy of every binding in native order.
func (r *Registry) Bindings() []types.Binding {
	if r == nil {
		return nil
	}
	out := make([]types.Binding, len(r.all))
	copy(out, r.all)
	return out
}

// Inputs returns the input bindings in native order.
func (r *Registry) Inputs() []types.Binding { return r.pick(r.inputsIdx()) }

// Outputs returns the output bindings in native order.
func (r *Registry) Outputs() []types.Binding { return r.pick(r.outputsIdx()) }

func (r *Registry) inputsIdx() []int {
	if r == nil {
		return nil
	}
	return r.inputs
}

func (r *Registry) outputsIdx() []int {
	if r == nil {
		return nil
	}
	return r.outputs
}

func (r *Registry) pick(idx []int) []types.Binding {
	out := make([]types.Binding, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.all[i])
	}
	return out
}
