package registry

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"

	"trtd/pkg/types"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, f := range names {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(""), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}
}

func TestEngineScanner_PairsEnginesWithSources(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"resnet50.engine",
		"resnet50.onnx",
		"yolo.ONNX", // case-insensitive
		"bert.engine",
		"notes.txt",
		".hidden.engine",
	)
	if err := os.Mkdir(filepath.Join(dir, "sub.engine"), 0o755); err != nil {
		t.Fatal(err)
	}
	models, err := NewEngineScanner().Scan(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	want := []types.Model{
		{ID: "bert", Name: "bert.engine", Path: filepath.Join(dir, "bert.engine"), Compiled: true},
		{ID: "resnet50", Name: "resnet50.engine", Path: filepath.Join(dir, "resnet50.engine"), SourcePath: filepath.Join(dir, "resnet50.onnx"), Compiled: true},
		{ID: "yolo", Name: "yolo.engine", Path: filepath.Join(dir, "yolo.engine"), SourcePath: filepath.Join(dir, "yolo.ONNX")},
	}
	if diff := cmp.Diff(want, models); diff != "" {
		t.Fatalf("models (-want +got):\n%s", diff)
	}
}

func TestEngineScanner_ExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir on this platform: %v", err)
	}
	hTmp, err := os.MkdirTemp(home, "trtd-registry-*")
	if err != nil {
		t.Skipf("cannot create temp under home: %v", err)
	}
	defer os.RemoveAll(hTmp)
	touch(t, hTmp, "x.engine")
	var tildePath string
	if runtime.GOOS == "windows" {
		tildePath = filepath.Join("~", filepath.Base(hTmp))
	} else {
		tildePath = "~/" + filepath.Base(hTmp)
	}
	models, err := NewEngineScanner().Scan(tildePath)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "x" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestLoadDirWrapper(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "m.engine")
	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(models) != 1 || models[0].ID != "m" || !models[0].Compiled {
		t.Fatalf("unexpected: %+v", models)
	}
	if _, err := LoadDir(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
