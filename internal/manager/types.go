package manager

import (
	"time"

	"trtd/internal/engine"
)

// State represents lifecycle state of the manager/instances.
type State string

const (
	StateReady    State = "ready"
	StateLoading  State = "loading"
	StateDraining State = "draining"
	StateError    State = "error"
)

// ModelInfo is a minimal view of the most recently ensured model.
type ModelInfo struct {
	ID   string
	Name string
	Path string
}

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	State        State
	CurrentModel *ModelInfo
	Err          string
}

// Instance is one loaded engine (one per model id).
type Instance struct {
	ID       string
	Path     string
	State    State
	LastUsed time.Time
	DeviceMB int
	// Queueing primitives
	genCh   chan struct{} // size 1: single in-flight request
	queueCh chan struct{} // buffered: queue slots
	// ready is closed once loading finished; loadErr is set before.
	ready   chan struct{}
	loadErr error
	// eng is nil until loaded and again after eviction/unload. Read it
	// under Manager.mu while holding the gen slot.
	eng *engine.Engine
}
