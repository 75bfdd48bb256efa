// Package manager coordinates loaded engine instances for the daemon. It is
// structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, simple getters, Close.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: instance state types (State, ModelInfo, Instance, Snapshot).
//   - errors.go: error types and helpers (IsTooBusy, IsModelNotFound, ...).
//   - helpers.go: small utilities (model lookup, device memory estimation).
//   - admission.go: per-instance queueing and single in-flight admission.
//   - ensure.go: EnsureInstance, compile-on-demand and engine loading.
//   - evict.go: LRU eviction to fit within the device memory budget.
//   - infer.go: tensor inference entry point.
//   - bindings.go: tensor contract of a loaded model.
//   - compile.go: on-demand ONNX compilation.
//   - preload.go: concurrent warm-up of configured models.
//   - unload.go: graceful drain and release of an instance.
//   - status_report.go: Status/Snapshot reporting helpers.
//   - ops.go: asynchronous operations like Switch.
//   - events.go, eventpub_memory.go: lifecycle event publishers.
//   - metrics.go: Prometheus collectors for engine lifecycle.
//
// An engine.Engine is not safe for concurrent use; the manager guarantees at
// most one request touches an instance's engine at a time.
//
// External packages should treat this package as the orchestration layer and
// use public methods only (e.g., NewWithConfig, Ready, ListModels, Status,
// Infer). Internal types are subject to change.
package manager
