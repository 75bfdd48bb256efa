// Package compiler turns an ONNX model into a serialized engine plan next to
// it, using the builder of a trt.Platform.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trtd/internal/common/fsutil"
	"trtd/internal/engine"
	"trtd/internal/logging"
	"trtd/internal/trt"
	"trtd/pkg/types"
)

// DefaultWorkspaceMiB is the builder workspace used when Options leaves it 0.
const DefaultWorkspaceMiB = 1024

// EngineExt is the suffix of compiled engine files.
const EngineExt = ".engine"

// ErrInvalidWorkspace reports a negative workspace size.
var ErrInvalidWorkspace = errors.New("workspace size must be positive")

// Stage names a step of the compilation pipeline.
type Stage string

const (
	StageBuilder   Stage = "builder"
	StageNetwork   Stage = "network"
	StageParse     Stage = "parse"
	StageConfig    Stage = "config"
	StageBuild     Stage = "build"
	StageSerialize Stage = "serialize"
	StageWrite     Stage = "write"
)

// StageError reports the stage at which compilation stopped.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return "compile: " + string(e.Stage) + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// Options tune a compilation.
type Options struct {
	// WorkspaceMiB caps builder scratch memory. 0 means DefaultWorkspaceMiB.
	WorkspaceMiB int
	// Logger receives progress; nil disables logging.
	Logger *zerolog.Logger
	// RuntimeLogger overrides where builder/parser diagnostics go. By default
	// warnings and errors are forwarded to Logger.
	RuntimeLogger trt.Logger
}

// Result describes a written engine.
type Result struct {
	EnginePath string
	Bytes      int
	FP16       bool
	Inputs     []types.Binding
	Outputs    []types.Binding
	Duration   time.Duration
}

// OutputPath is where Compile writes the engine for src: same directory and
// stem, EngineExt suffix.
func OutputPath(src string) string { return fsutil.ReplaceExt(src, EngineExt) }

// Compile builds src with platform and writes the plan to OutputPath(src).
// Every failure is a *StageError and leaves no output file. ctx is checked
// between stages; a build already running is not interrupted.
func Compile(ctx context.Context, platform trt.Platform, src string, opts Options) (res Result, err error) {
	start := time.Now()
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	rtLog := opts.RuntimeLogger
	if rtLog == nil {
		rtLog = logging.RuntimeLogger(log, trt.SeverityWarning)
	}
	defer func() {
		if err != nil {
			compileTotal.WithLabelValues("error").Inc()
			log.Error().Err(err).Str("src", src).Msg("compile failed")
			return
		}
		compileTotal.WithLabelValues("ok").Inc()
	}()

	ws := opts.WorkspaceMiB
	if ws == 0 {
		ws = DefaultWorkspaceMiB
	}
	if ws < 0 {
		return res, &StageError{Stage: StageConfig, Err: fmt.Errorf("%w: %d MiB", ErrInvalidWorkspace, ws)}
	}
	step := func(stage Stage) error {
		if cerr := ctx.Err(); cerr != nil {
			return &StageError{Stage: stage, Err: cerr}
		}
		log.Debug().Str("src", src).Str("stage", string(stage)).Msg("compile stage")
		return nil
	}

	if err := step(StageBuilder); err != nil {
		return res, err
	}
	builder, err := platform.NewBuilder(rtLog)
	if err != nil || builder == nil {
		return res, &StageError{Stage: StageBuilder, Err: constructionErr(err)}
	}
	defer builder.Close()

	if err := step(StageNetwork); err != nil {
		return res, err
	}
	network, err := builder.CreateNetwork(trt.NetworkExplicitBatch)
	if err != nil || network == nil {
		return res, &StageError{Stage: StageNetwork, Err: constructionErr(err)}
	}
	defer network.Close()

	if err := step(StageParse); err != nil {
		return res, err
	}
	parser, err := platform.NewOnnxParser(network, rtLog)
	if err != nil || parser == nil {
		return res, &StageError{Stage: StageParse, Err: constructionErr(err)}
	}
	defer parser.Close()
	if err := parser.ParseFromFile(src, trt.SeverityWarning); err != nil {
		return res, &StageError{Stage: StageParse, Err: err}
	}

	if err := step(StageConfig); err != nil {
		return res, err
	}
	cfg, err := builder.CreateBuilderConfig()
	if err != nil || cfg == nil {
		return res, &StageError{Stage: StageConfig, Err: constructionErr(err)}
	}
	defer cfg.Close()
	cfg.SetMemoryPoolLimit(trt.MemoryPoolWorkspace, uint64(ws)<<20)
	if builder.PlatformHasFastFP16() {
		cfg.SetFlag(trt.BuilderFlagFP16)
		res.FP16 = true
	}

	if err := step(StageBuild); err != nil {
		return res, err
	}
	built, err := builder.BuildEngine(network, cfg)
	if err != nil || built == nil {
		return res, &StageError{Stage: StageBuild, Err: constructionErr(err)}
	}
	defer built.Close()

	if err := step(StageSerialize); err != nil {
		return res, err
	}
	plan, err := built.Serialize()
	if err != nil {
		return res, &StageError{Stage: StageSerialize, Err: err}
	}
	if len(plan) == 0 {
		return res, &StageError{Stage: StageSerialize, Err: fmt.Errorf("%w: empty plan", trt.ErrConstruction)}
	}

	if err := step(StageWrite); err != nil {
		return res, err
	}
	out := OutputPath(src)
	if err := fsutil.WriteFileAtomic(out, plan, 0o644); err != nil {
		return res, &StageError{Stage: StageWrite, Err: err}
	}

	reg := engine.Discover(built)
	res.EnginePath = out
	res.Bytes = len(plan)
	res.Inputs = reg.Inputs()
	res.Outputs = reg.Outputs()
	res.Duration = time.Since(start)
	log.Info().
		Str("src", src).
		Str("engine", out).
		Int("bytes", res.Bytes).
		Int("layers", network.NumLayers()).
		Bool("fp16", res.FP16).
		Int("workspace_mb", ws).
		Dur("dur", res.Duration).
		Msg("engine compiled")
	return res, nil
}

func constructionErr(err error) error {
	if err == nil {
		return trt.ErrConstruction
	}
	if errors.Is(err, trt.ErrConstruction) {
		return err
	}
	return fmt.Errorf("%w: %v", trt.ErrConstruction, err)
}
