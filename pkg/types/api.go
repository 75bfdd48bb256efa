package types

// InferRequest represents an inference request payload.
type InferRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: yolo11n
	Model string `json:"model,omitempty" example:"yolo11n"`
	// Input tensors keyed by binding name, flattened row-major float32.
	Inputs map[string][]float32 `json:"inputs"`
	// Output bindings to return. Empty means all outputs.
	// example: ["output0"]
	Outputs []string `json:"outputs,omitempty" example:"[\"output0\"]"`
}

// TensorData is a named flattened tensor with its shape.
type TensorData struct {
	// Binding name.
	// example: output0
	Name string `json:"name" example:"output0"`
	// Shape of the tensor.
	// example: [1,84,8400]
	Shape []int64 `json:"shape" example:"1,84,8400"`
	// Row-major float32 values.
	Data []float32 `json:"data"`
}

// InferResponse is returned by POST /infer.
type InferResponse struct {
	// Model that served the request.
	// example: yolo11n
	Model string `json:"model" example:"yolo11n"`
	// Output tensors in engine order.
	Outputs []TensorData `json:"outputs"`
	// Wall time spent in copy-in, execute and copy-out, in milliseconds.
	// example: 4
	DurationMS int64 `json:"duration_ms" example:"4"`
}

// CompileRequest asks the server to build an engine from an ONNX model.
type CompileRequest struct {
	// Model identifier (registry id) or absolute path of an .onnx file.
	// example: yolo11n
	Model string `json:"model" example:"yolo11n"`
	// Workspace budget in MiB. Zero uses the server default.
	// example: 1024
	WorkspaceMB int `json:"workspace_mb,omitempty" example:"1024"`
}

// CompileResponse reports the produced engine artifact.
type CompileResponse struct {
	// Path of the written engine file.
	// example: /home/user/models/yolo11n.engine
	EnginePath string `json:"engine_path" example:"/home/user/models/yolo11n.engine"`
	// Size of the serialized engine in bytes.
	// example: 10485760
	Bytes int64 `json:"bytes" example:"10485760"`
	// Whether reduced precision was enabled.
	// example: true
	FP16 bool `json:"fp16" example:"true"`
	// Duration of the build in milliseconds.
	// example: 1200
	DurationMS int64 `json:"duration_ms" example:"1200"`
}

// BindingsResponse lists the tensor contract of a loaded engine.
type BindingsResponse struct {
	// example: yolo11n
	Model   string    `json:"model" example:"yolo11n"`
	Inputs  []Binding `json:"inputs"`
	Outputs []Binding `json:"outputs"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// InstanceStatus summarizes a loaded instance for /status.
type InstanceStatus struct {
	// ID of the model this instance serves.
	// example: yolo11n
	ModelID string `json:"model_id" example:"yolo11n"`
	// Current lifecycle state of the instance (loading, ready, draining).
	// example: ready
	State string `json:"state" example:"ready"`
	// Last time this instance served a request (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Device memory held by the instance's buffers, in MB.
	// example: 64
	DeviceMB int `json:"device_mb" example:"64"`
	// Number of input bindings.
	// example: 1
	Inputs int `json:"inputs" example:"1"`
	// Number of output bindings.
	// example: 1
	Outputs int `json:"outputs" example:"1"`
	// Current queue length for incoming requests.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Number of in-flight requests currently being processed.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued requests allowed before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Loaded/managed instances.
	Instances []InstanceStatus `json:"instances"`
	// Runtime backend name.
	// example: emulator
	Backend string `json:"backend" example:"emulator"`
	// Device memory budget in MB across all instances.
	// example: 8192
	BudgetMB int `json:"budget_mb" example:"8192"`
	// Device memory in MB used by loaded instances.
	// example: 2048
	UsedMB int `json:"used_mb" example:"2048"`
	// Reserved device memory margin in MB.
	// example: 512
	MarginMB int `json:"margin_mb" example:"512"`
	// Last error observed by the manager (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total number of evictions performed to free device memory.
	// example: 5
	EvictionsTotal uint64 `json:"evictions_total" example:"5"`
	// Total number of engine loads.
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	// Overall manager state (loading, ready, error).
	// example: ready
	State string `json:"state" example:"ready"`
	// Number of instances currently loading.
	// example: 1
	WarmupsInProgress int `json:"warmups_in_progress" example:"1"`
	// Number of instances currently draining.
	// example: 1
	DrainingCount int `json:"draining_count" example:"1"`
}
