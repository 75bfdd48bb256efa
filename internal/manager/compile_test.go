package manager

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"trtd/pkg/types"
)

func TestAutoCompile_OnFirstUse(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "src", 0)
	m := newTestManager(t, dir, ManagerConfig{AutoCompile: true})
	pub := NewMemoryPublisher()
	m.SetEventPublisher(pub)
	if err := m.EnsureInstance(testCtx(t), "src"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "src.engine")); err != nil {
		t.Fatalf("engine not written: %v", err)
	}
	mdl, _ := m.getModelByID("src")
	if !mdl.Compiled {
		t.Fatalf("registry not updated: %+v", mdl)
	}
	if !hasEvent(pub.Names(), "compile_done") {
		t.Fatalf("events=%v", pub.Names())
	}
}

func TestCompile_ByID(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "src", 0)
	m := newTestManager(t, dir, ManagerConfig{})
	resp, err := m.Compile(testCtx(t), types.CompileRequest{Model: "src", WorkspaceMB: 16})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if resp.EnginePath != filepath.Join(dir, "src.engine") || resp.Bytes <= 0 {
		t.Fatalf("resp=%+v", resp)
	}
	if err := m.EnsureInstance(testCtx(t), "src"); err != nil {
		t.Fatalf("ensure compiled model: %v", err)
	}
}

func TestCompile_ByAbsolutePath(t *testing.T) {
	m := newTestManager(t, t.TempDir(), ManagerConfig{})
	src := writeSource(t, t.TempDir(), "outside", 0)
	resp, err := m.Compile(testCtx(t), types.CompileRequest{Model: src})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := os.Stat(resp.EnginePath); err != nil {
		t.Fatalf("engine missing: %v", err)
	}
}

func TestCompile_Errors(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "src", 0)
	m := newTestManager(t, dir, ManagerConfig{})
	if _, err := m.Compile(testCtx(t), types.CompileRequest{}); !IsInvalidInput(err) {
		t.Fatalf("empty model: %v", err)
	}
	if _, err := m.Compile(testCtx(t), types.CompileRequest{Model: "nope"}); !IsModelNotFound(err) {
		t.Fatalf("unknown model: %v", err)
	}
	if _, err := m.Compile(testCtx(t), types.CompileRequest{Model: "src", WorkspaceMB: -1}); !IsInvalidInput(err) {
		t.Fatalf("negative workspace: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "src.engine")); !os.IsNotExist(err) {
		t.Fatalf("failed compile left an engine: %v", err)
	}
}

func TestAutoCompile_ConcurrentCallersShareOneBuild(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "src", 1)
	m := newTestManager(t, dir, ManagerConfig{AutoCompile: true})
	pub := NewMemoryPublisher()
	m.SetEventPublisher(pub)
	ctx := testCtx(t)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.EnsureInstance(ctx, "src")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	starts := 0
	for _, name := range pub.Names() {
		if name == "compile_start" {
			starts++
		}
	}
	if starts != 1 {
		t.Fatalf("compile_start events=%d, want 1: %v", starts, pub.Names())
	}
}
