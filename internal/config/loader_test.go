package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `addr: :9999
models_dir: /engines
backend: tensorrt
device_budget_mb: 123
device_margin_mb: 7
default_model: resnet50.engine
auto_compile: true
preload: [a.engine, b.engine]
cors_allowed_origins: ["*"]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Config{
		Addr:               ":9999",
		ModelsDir:          "/engines",
		Backend:            BackendTensorRT,
		DeviceBudgetMB:     123,
		DeviceMarginMB:     7,
		DefaultModel:       "resnet50.engine",
		AutoCompile:        true,
		Preload:            []string{"a.engine", "b.engine"},
		CORSAllowedOrigins: []string{"*"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("cfg mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","models_dir":"/m","device_budget_mb":42,"workspace_mb":256,"fp16":true,"log_format":"console"}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.ModelsDir != "/m" || cfg.DeviceBudgetMB != 42 || cfg.WorkspaceMB != 256 || !cfg.FP16 || cfg.LogFormat != "console" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\nmodels_dir=\"/x\"\ndevice_memory_mb=512\nmax_queue_depth=4\nruntime_log_level=\"verbose\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.ModelsDir != "/x" || cfg.DeviceMemoryMB != 512 || cfg.MaxQueueDepth != 4 || cfg.RuntimeLogLevel != "verbose" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestMergePrecedence(t *testing.T) {
	file := Config{ModelsDir: "/from-file", WorkspaceMB: 512, AutoCompile: true}
	flags := Config{ModelsDir: "/from-flags", Addr: ":1"}
	got := Defaults().Merge(file).Merge(flags)
	if got.ModelsDir != "/from-flags" || got.Addr != ":1" {
		t.Fatalf("flags should win: %+v", got)
	}
	if got.WorkspaceMB != 512 || !got.AutoCompile {
		t.Fatalf("file should override defaults: %+v", got)
	}
	if got.Backend != BackendEmulator || got.MaxQueueDepth != 32 {
		t.Fatalf("defaults should survive: %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	bad := []Config{
		Defaults().Merge(Config{Backend: "cuda"}),
		Defaults().Merge(Config{WorkspaceMB: -1}),
		Defaults().Merge(Config{DeviceBudgetMB: -5}),
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, c)
		}
	}
}
