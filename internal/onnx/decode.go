package onnx

import (
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrNoGraph is returned for a model without a graph.
var ErrNoGraph = errors.New("onnx: model has no graph")

// ReadFile parses an ONNX model from path.
func ReadFile(path string) (*Model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// Decode parses an ONNX ModelProto.
func Decode(b []byte) (*Model, error) {
	m := &Model{}
	hasGraph := false
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1: // ir_version
			v, n, err := varintField(typ, b)
			m.IRVersion = int64(v)
			return n, err
		case 2: // producer_name
			v, n, err := bytesField(typ, b)
			m.ProducerName = string(v)
			return n, err
		case 3: // producer_version
			v, n, err := bytesField(typ, b)
			m.ProducerVersion = string(v)
			return n, err
		case 5: // model_version
			v, n, err := varintField(typ, b)
			m.ModelVersion = int64(v)
			return n, err
		case 7: // graph
			v, n, err := bytesField(typ, b)
			if err != nil {
				return n, err
			}
			hasGraph = true
			return n, decodeGraph(v, &m.Graph)
		case 8: // opset_import
			v, n, err := bytesField(typ, b)
			if err != nil {
				return n, err
			}
			var set OperatorSet
			if err := decodeOpset(v, &set); err != nil {
				return n, err
			}
			m.Opset = append(m.Opset, set)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("onnx: decode model: %w", err)
	}
	if !hasGraph {
		return nil, ErrNoGraph
	}
	return m, nil
}

func decodeOpset(b []byte, o *OperatorSet) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := bytesField(typ, b)
			o.Domain = string(v)
			return n, err
		case 2:
			v, n, err := varintField(typ, b)
			o.Version = int64(v)
			return n, err
		}
		return 0, nil
	})
}

func decodeGraph(b []byte, g *Graph) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1: // node
			v, n, err := bytesField(typ, b)
			if err != nil {
				return n, err
			}
			var node Node
			if err := decodeNode(v, &node); err != nil {
				return n, fmt.Errorf("node %d: %w", len(g.Nodes), err)
			}
			g.Nodes = append(g.Nodes, node)
			return n, nil
		case 2: // name
			v, n, err := bytesField(typ, b)
			g.Name = string(v)
			return n, err
		case 5: // initializer
			v, n, err := bytesField(typ, b)
			if err != nil {
				return n, err
			}
			var t Tensor
			if err := decodeTensor(v, &t); err != nil {
				return n, fmt.Errorf("initializer %d: %w", len(g.Initializers), err)
			}
			g.Initializers = append(g.Initializers, t)
			return n, nil
		case 11, 12: // input, output
			v, n, err := bytesField(typ, b)
			if err != nil {
				return n, err
			}
			var vi ValueInfo
			if err := decodeValueInfo(v, &vi); err != nil {
				return n, err
			}
			if num == 11 {
				g.Inputs = append(g.Inputs, vi)
			} else {
				g.Outputs = append(g.Outputs, vi)
			}
			return n, nil
		}
		return 0, nil
	})
}

func decodeNode(b []byte, node *Node) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2: // input, output
			v, n, err := bytesField(typ, b)
			if num == 1 {
				node.Inputs = append(node.Inputs, string(v))
			} else {
				node.Outputs = append(node.Outputs, string(v))
			}
			return n, err
		case 3:
			v, n, err := bytesField(typ, b)
			node.Name = string(v)
			return n, err
		case 4:
			v, n, err := bytesField(typ, b)
			node.OpType = string(v)
			return n, err
		case 7:
			v, n, err := bytesField(typ, b)
			node.Domain = string(v)
			return n, err
		}
		return 0, nil
	})
}

func decodeTensor(b []byte, t *Tensor) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1: // dims, packed or not
			if typ == protowire.BytesType {
				v, n, err := bytesField(typ, b)
				if err != nil {
					return n, err
				}
				for len(v) > 0 {
					d, m := protowire.ConsumeVarint(v)
					if m < 0 {
						return n, protowire.ParseError(m)
					}
					t.Dims = append(t.Dims, int64(d))
					v = v[m:]
				}
				return n, nil
			}
			d, n, err := varintField(typ, b)
			t.Dims = append(t.Dims, int64(d))
			return n, err
		case 2:
			v, n, err := varintField(typ, b)
			t.DataType = int32(v)
			return n, err
		case 4: // float_data, packed or not
			if typ == protowire.BytesType {
				v, n, err := bytesField(typ, b)
				if err != nil {
					return n, err
				}
				for len(v) > 0 {
					f, m := protowire.ConsumeFixed32(v)
					if m < 0 {
						return n, protowire.ParseError(m)
					}
					t.FloatData = append(t.FloatData, math.Float32frombits(f))
					v = v[m:]
				}
				return n, nil
			}
			if typ != protowire.Fixed32Type {
				return 0, errWireType(num, typ)
			}
			f, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}
			t.FloatData = append(t.FloatData, math.Float32frombits(f))
			return n, nil
		case 8:
			v, n, err := bytesField(typ, b)
			t.Name = string(v)
			return n, err
		case 9:
			v, n, err := bytesField(typ, b)
			t.RawData = append([]byte(nil), v...)
			return n, err
		}
		return 0, nil
	})
}

func decodeValueInfo(b []byte, vi *ValueInfo) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := bytesField(typ, b)
			vi.Name = string(v)
			return n, err
		case 2: // TypeProto
			v, n, err := bytesField(typ, b)
			if err != nil {
				return n, err
			}
			return n, decodeTypeProto(v, vi)
		}
		return 0, nil
	})
}

func decodeTypeProto(b []byte, vi *ValueInfo) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 { // tensor_type; sequence/map types are not bindable
			return 0, nil
		}
		v, n, err := bytesField(typ, b)
		if err != nil {
			return n, err
		}
		return n, walk(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1: // elem_type
				e, n, err := varintField(typ, b)
				vi.ElemType = int32(e)
				return n, err
			case 2: // shape
				s, n, err := bytesField(typ, b)
				if err != nil {
					return n, err
				}
				return n, decodeShape(s, vi)
			}
			return 0, nil
		})
	})
}

func decodeShape(b []byte, vi *ValueInfo) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := bytesField(typ, b)
		if err != nil {
			return n, err
		}
		var d Dim
		err = walk(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				x, n, err := varintField(typ, b)
				d.Value = int64(x)
				return n, err
			case 2:
				s, n, err := bytesField(typ, b)
				d.Param = string(s)
				return n, err
			}
			return 0, nil
		})
		vi.Dims = append(vi.Dims, d)
		return n, err
	})
}

// fieldFunc handles one field whose tag has been consumed. It returns the
// number of bytes of b it consumed, or 0 to have the field skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func bytesField(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errWireType(0, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n, protowire.ParseError(n)
	}
	return v, n, nil
}

func varintField(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errWireType(0, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, n, protowire.ParseError(n)
	}
	return v, n, nil
}

func errWireType(num protowire.Number, typ protowire.Type) error {
	if num == 0 {
		return fmt.Errorf("unexpected wire type %d", typ)
	}
	return fmt.Errorf("field %d: unexpected wire type %d", num, typ)
}
