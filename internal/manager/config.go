package manager

import (
	"time"

	"github.com/rs/zerolog"

	"trtd/internal/compiler"
	"trtd/internal/emulator"
	"trtd/internal/logging"
	"trtd/internal/trt"
	"trtd/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultDrainTimeout  = 5 * time.Second
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Registry      []types.Model
	BudgetMB      int
	MarginMB      int
	DefaultModel  string
	MaxQueueDepth int
	MaxWait       time.Duration
	DrainTimeout  time.Duration

	// Platform is the accelerator backend. Nil selects the emulator.
	Platform trt.Platform
	// RuntimeLogLevel is the least severe native diagnostic that is logged
	// ("warning" when empty).
	RuntimeLogLevel string
	// AutoCompile compiles a model's ONNX source on first use when its engine
	// file is missing.
	AutoCompile bool
	// WorkspaceMB is the builder workspace for compilations (0 = compiler default).
	WorkspaceMB int

	Logger    *zerolog.Logger
	Publisher EventPublisher
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		state:        StateLoading,
		registry:     append([]types.Model(nil), cfg.Registry...),
		budgetMB:     cfg.BudgetMB,
		marginMB:     cfg.MarginMB,
		defaultModel: cfg.DefaultModel,
		instances:    make(map[string]*Instance),
		autoCompile:  cfg.AutoCompile,
		workspaceMB:  cfg.WorkspaceMB,
		rtSeverity:   logging.ParseSeverity(cfg.RuntimeLogLevel),
		publisher:    noopPublisher{},
		log:          zerolog.Nop(),
	}
	// Apply defaults if unset
	if cfg.MaxQueueDepth <= 0 {
		m.maxQueueDepth = defaultMaxQueueDepth
	} else {
		m.maxQueueDepth = cfg.MaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		m.maxWait = defaultMaxWait
	} else {
		m.maxWait = cfg.MaxWait
	}
	if cfg.DrainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	} else {
		m.drainTimeout = cfg.DrainTimeout
	}
	if cfg.Logger != nil {
		m.log = cfg.Logger.With().Str("component", "manager").Logger()
	}
	if cfg.Publisher != nil {
		m.publisher = cfg.Publisher
	}
	m.platform = cfg.Platform
	if m.platform == nil {
		m.platform = emulator.New(emulator.Options{})
	}
	if m.workspaceMB <= 0 {
		m.workspaceMB = compiler.DefaultWorkspaceMiB
	}
	m.startTime = time.Now()
	return m
}
