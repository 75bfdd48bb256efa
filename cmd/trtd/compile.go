package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"trtd/internal/compiler"
	"trtd/internal/config"
	"trtd/internal/engine"
	"trtd/internal/logging"
	"trtd/internal/trt"
	"trtd/pkg/types"
)

func newCompileCmd() *cobra.Command {
	var (
		cfg       = config.Defaults()
		logLevel  string
		workspace int
	)
	cmd := &cobra.Command{
		Use:   "compile MODEL.onnx",
		Short: "Compile an ONNX model into an engine next to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			platform, err := newPlatform(cfg)
			if err != nil {
				return err
			}
			log := cliLogger(logLevel)
			res, err := compiler.Compile(cmd.Context(), platform, args[0], compiler.Options{
				WorkspaceMiB:  workspace,
				Logger:        &log,
				RuntimeLogger: logging.RuntimeLogger(log, trt.SeverityWarning),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, types.CompileResponse{
				EnginePath: res.EnginePath,
				Bytes:      int64(res.Bytes),
				FP16:       res.FP16,
				DurationMS: res.Duration.Milliseconds(),
			})
		},
	}
	cmd.Flags().IntVar(&workspace, "workspace-mb", 0, "Builder workspace in MB (default 1024)")
	addBackendFlags(cmd, &cfg, &logLevel)
	return cmd
}

func newInspectCmd() *cobra.Command {
	var (
		cfg      = config.Defaults()
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "inspect MODEL.engine",
		Short: "Print the I/O bindings of a compiled engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			platform, err := newPlatform(cfg)
			if err != nil {
				return err
			}
			log := cliLogger(logLevel)
			eng, err := engine.Open(platform, args[0], engine.WithLogger(log))
			if err != nil {
				return err
			}
			defer eng.Close()
			return printJSON(cmd, types.BindingsResponse{
				Model:   args[0],
				Inputs:  eng.Inputs(),
				Outputs: eng.Outputs(),
			})
		},
	}
	addBackendFlags(cmd, &cfg, &logLevel)
	return cmd
}

func addBackendFlags(cmd *cobra.Command, cfg *config.Config, logLevel *string) {
	cmd.Flags().StringVar(&cfg.Backend, "backend", cfg.Backend, "Accelerator backend: emulator or tensorrt")
	cmd.Flags().IntVar(&cfg.DeviceMemoryMB, "device-memory-mb", cfg.DeviceMemoryMB, "Emulated device capacity in MB")
	cmd.Flags().BoolVar(&cfg.FP16, "fp16", cfg.FP16, "Emulated device reports fast FP16")
	cmd.Flags().StringVar(logLevel, "log-level", "warn", "Log level")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
