package manager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"trtd/internal/engine"
	"trtd/internal/trt"
	"trtd/pkg/types"
)

func TestNewWithConfig_Defaults(t *testing.T) {
	m := NewWithConfig(ManagerConfig{})
	if m.maxQueueDepth != defaultMaxQueueDepth {
		t.Fatalf("maxQueueDepth=%d want %d", m.maxQueueDepth, defaultMaxQueueDepth)
	}
	if m.maxWait != defaultMaxWait || m.drainTimeout != defaultDrainTimeout {
		t.Fatalf("timeouts=%v/%v", m.maxWait, m.drainTimeout)
	}
	if m.rtSeverity != trt.SeverityWarning {
		t.Fatalf("rtSeverity=%v want warning", m.rtSeverity)
	}
	if m.Backend() != "emulator" {
		t.Fatalf("backend=%q", m.Backend())
	}
	if m.Ready() {
		t.Fatalf("ready with no instances")
	}
}

func TestListModels_ReturnsCopy(t *testing.T) {
	m := New([]types.Model{{ID: "a"}}, 0, 0, "")
	got := m.ListModels()
	got[0].ID = "mutated"
	if m.ListModels()[0].ID != "a" {
		t.Fatalf("registry mutated through ListModels")
	}
}

func TestEnsure_NotFound(t *testing.T) {
	m := newTestManager(t, t.TempDir(), ManagerConfig{})
	pub := NewMemoryPublisher()
	m.SetEventPublisher(pub)
	err := m.EnsureInstance(testCtx(t), "missing")
	if !IsModelNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
	if !hasEvent(pub.Names(), "ensure_model_not_found") {
		t.Fatalf("events=%v", pub.Names())
	}
}

func TestEnsure_NoDefaultModel(t *testing.T) {
	m := newTestManager(t, t.TempDir(), ManagerConfig{})
	if err := m.EnsureInstance(testCtx(t), ""); !IsModelNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestEnsure_LoadsEngine(t *testing.T) {
	dir := t.TempDir()
	path := writeEngine(t, dir, "ident", 1)
	m := newTestManager(t, dir, ManagerConfig{DefaultModel: "ident"})
	if err := m.EnsureInstance(testCtx(t), ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !m.Ready() {
		t.Fatalf("not ready after ensure")
	}
	snap := m.Snapshot()
	if snap.State != StateReady || snap.CurrentModel == nil || snap.CurrentModel.Path != path {
		t.Fatalf("snapshot=%+v", snap)
	}
	st := m.Status()
	if len(st.Instances) != 1 {
		t.Fatalf("instances=%d", len(st.Instances))
	}
	in := st.Instances[0]
	if in.ModelID != "ident" || in.State != string(StateReady) || in.Inputs != 1 || in.Outputs != 1 {
		t.Fatalf("instance status=%+v", in)
	}
	if in.DeviceMB < 2 || st.UsedMB != in.DeviceMB {
		t.Fatalf("device_mb=%d used_mb=%d", in.DeviceMB, st.UsedMB)
	}
	if st.LoadsTotal != 1 || st.Backend != "emulator" {
		t.Fatalf("status=%+v", st)
	}
	// second ensure is a fast path
	if err := m.EnsureInstance(testCtx(t), "ident"); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if m.loads.Load() != 1 {
		t.Fatalf("loads=%d want 1", m.loads.Load())
	}
}

func TestEnsure_ConcurrentCallersShareOneLoad(t *testing.T) {
	dir := t.TempDir()
	writeEngine(t, dir, "ident", 0)
	m := newTestManager(t, dir, ManagerConfig{})
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.EnsureInstance(testCtx(t), "ident")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	if n := m.loads.Load(); n != 1 {
		t.Fatalf("loads=%d want 1", n)
	}
}

func TestEnsure_CorruptEngineSetsError(t *testing.T) {
	dir := t.TempDir()
	writeEngine(t, dir, "ident", 0)
	m := newTestManager(t, dir, ManagerConfig{})
	reg := m.ListModels()
	reg = append(reg, types.Model{ID: "junk", Path: reg[0].SourcePath, Compiled: true})
	m.SetRegistry(reg)

	err := m.EnsureInstance(testCtx(t), "junk")
	if !errors.Is(err, trt.ErrFormat) {
		t.Fatalf("want ErrFormat, got %v", err)
	}
	snap := m.Snapshot()
	if snap.State != StateError || snap.Err == "" {
		t.Fatalf("snapshot=%+v", snap)
	}
	if st := m.Status(); st.UsedMB != 0 || len(st.Instances) != 0 || st.LastError == "" {
		t.Fatalf("status=%+v", st)
	}
	// a good model still loads afterwards
	if err := m.EnsureInstance(testCtx(t), "ident"); err != nil {
		t.Fatalf("ensure ident: %v", err)
	}
}

func TestEnsure_MissingEngineWithoutAutoCompile(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "src", 0)
	m := newTestManager(t, dir, ManagerConfig{})
	err := m.EnsureInstance(testCtx(t), "src")
	if !errors.Is(err, engine.ErrOpen) {
		t.Fatalf("want ErrOpen, got %v", err)
	}
}

func TestEvents_EnsureAndUnload(t *testing.T) {
	dir := t.TempDir()
	writeEngine(t, dir, "ident", 0)
	m := newTestManager(t, dir, ManagerConfig{DrainTimeout: 50 * time.Millisecond})
	pub := NewMemoryPublisher()
	m.SetEventPublisher(pub)
	if err := m.EnsureInstance(testCtx(t), "ident"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := m.Unload("ident"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	names := pub.Names()
	for _, want := range []string{"ensure_start", "ensure_ready", "unload_start", "unload_done"} {
		if !hasEvent(names, want) {
			t.Fatalf("missing %q in %v", want, names)
		}
	}
}

func TestClose_UnloadsAndRejects(t *testing.T) {
	dir := t.TempDir()
	writeEngine(t, dir, "a", 0)
	writeEngine(t, dir, "b", 0)
	m := newTestManager(t, dir, ManagerConfig{})
	if err := m.Preload(testCtx(t), []string{"a", "b"}); err != nil {
		t.Fatalf("preload: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if st := m.Status(); len(st.Instances) != 0 || st.UsedMB != 0 {
		t.Fatalf("status after close=%+v", st)
	}
	if err := m.EnsureInstance(testCtx(t), "a"); !errors.Is(err, errManagerClosed) {
		t.Fatalf("ensure after close: %v", err)
	}
	if m.Ready() {
		t.Fatalf("ready after close")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestPreload(t *testing.T) {
	dir := t.TempDir()
	writeEngine(t, dir, "a", 0)
	writeEngine(t, dir, "b", 0)
	m := newTestManager(t, dir, ManagerConfig{})
	if err := m.Preload(testCtx(t), []string{"a", "b"}); err != nil {
		t.Fatalf("preload: %v", err)
	}
	if st := m.Status(); len(st.Instances) != 2 {
		t.Fatalf("instances=%d", len(st.Instances))
	}
	if err := m.Preload(testCtx(t), []string{"a", "nope"}); !IsModelNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestSwitch_LoadsInBackground(t *testing.T) {
	dir := t.TempDir()
	writeEngine(t, dir, "ident", 0)
	m := newTestManager(t, dir, ManagerConfig{})
	pub := NewMemoryPublisher()
	m.SetEventPublisher(pub)
	op, err := m.Switch(testCtx(t), "ident")
	if err != nil || op != "op-1" {
		t.Fatalf("switch: op=%q err=%v", op, err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !hasEvent(pub.Names(), "switch_done") {
		if time.Now().After(deadline) {
			t.Fatalf("switch did not finish: %v", pub.Names())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !m.Ready() {
		t.Fatalf("not ready after switch")
	}
	if _, err := m.Switch(testCtx(t), "nope"); !IsModelNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestErrorHelpers(t *testing.T) {
	wrapped := errors.Join(errors.New("ctx"), tooBusyError{modelID: "m"})
	if !IsTooBusy(wrapped) {
		t.Fatalf("IsTooBusy through join")
	}
	if !IsDependencyUnavailable(ErrDependencyUnavailable("no gpu")) {
		t.Fatalf("IsDependencyUnavailable")
	}
	dep := dependencyUnavailable(trt.ErrUnavailable)
	if !errors.Is(dep, trt.ErrUnavailable) {
		t.Fatalf("dependency error lost its cause")
	}
	if !IsInvalidInput(errInvalidInput("x %d", 1)) || IsInvalidInput(errors.New("x")) {
		t.Fatalf("IsInvalidInput")
	}
	if !IsBudgetExceeded(budgetExceededError{modelID: "m"}) {
		t.Fatalf("IsBudgetExceeded")
	}
}
