package types

// Model represents a discoverable engine or source model on disk.
type Model struct {
	// Stable identifier for the model (file stem).
	// example: yolo11n
	ID string `json:"id" example:"yolo11n"`
	// Human-friendly name.
	// example: yolo11n.engine
	Name string `json:"name" example:"yolo11n.engine"`
	// Absolute path to the serialized engine file.
	// example: /home/user/models/yolo11n.engine
	Path string `json:"path" example:"/home/user/models/yolo11n.engine"`
	// Absolute path to the ONNX source the engine can be compiled from, if present.
	// example: /home/user/models/yolo11n.onnx
	SourcePath string `json:"source_path,omitempty" example:"/home/user/models/yolo11n.onnx"`
	// True when the engine file exists on disk.
	// example: true
	Compiled bool `json:"compiled" example:"true"`
}

// IOMode is the direction of a tensor binding.
type IOMode string

const (
	IOModeNone   IOMode = ""
	IOModeInput  IOMode = "input"
	IOModeOutput IOMode = "output"
)

// Binding describes one named tensor slot of a loaded engine.
type Binding struct {
	// Tensor name as declared by the engine.
	// example: images
	Name string `json:"name" example:"images"`
	// Index in the engine's native enumeration order.
	// example: 0
	Index int `json:"index" example:"0"`
	// Direction of the tensor.
	// example: input
	Mode IOMode `json:"mode" example:"input"`
	// Static shape.
	Shape Dims `json:"shape"`
}
