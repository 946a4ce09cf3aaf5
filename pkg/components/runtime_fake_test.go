package components

import (
	"context"
	"fmt"
	"sync"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
)

// fakeRuntime is an in-memory Runtime for tests.
type fakeRuntime struct {
	mu sync.Mutex

	running  map[string]bool
	versions map[string]string
	images   map[string]bool
	logs     map[string][]byte
	calls    []string

	// failVersions marks versions whose containers crash right after start.
	failVersions map[string]bool
	pullErr      error
	runErr       error
	execResult   ExecResult
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		running:      make(map[string]bool),
		versions:     make(map[string]string),
		images:       make(map[string]bool),
		logs:         make(map[string][]byte),
		failVersions: make(map[string]bool),
	}
}

func (f *fakeRuntime) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRuntime) setRunning(name string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = running
}

func (f *fakeRuntime) IsRunning(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name] && !f.failVersions[f.versions[name]], nil
}

func (f *fakeRuntime) IsFailed(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failVersions[f.versions[name]], nil
}

func (f *fakeRuntime) Exists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[name]
	return ok, nil
}

func (f *fakeRuntime) ImageExists(_ context.Context, image, version string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image+":"+version], nil
}

func (f *fakeRuntime) Pull(_ context.Context, image, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull %s:%s", image, version)
	if f.pullErr != nil {
		return f.pullErr
	}
	f.images[image+":"+version] = true
	return nil
}

func (f *fakeRuntime) Tag(_ context.Context, image, version, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("tag %s:%s %s", image, version, tag)
	if !f.images[image+":"+version] {
		return fmt.Errorf("no such image %s:%s", image, version)
	}
	f.images[image+":"+tag] = true
	return nil
}

func (f *fakeRuntime) RemoveImage(_ context.Context, image, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rmi %s:%s", image, version)
	delete(f.images, image+":"+version)
	return nil
}

func (f *fakeRuntime) Run(_ context.Context, spec ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("run %s %s", spec.Name, spec.Version)
	if f.runErr != nil {
		return f.runErr
	}
	f.running[spec.Name] = true
	f.versions[spec.Name] = spec.Version
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, name string, remove bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop %s", name)
	if remove {
		delete(f.running, name)
		return nil
	}
	f.running[name] = false
	return nil
}

func (f *fakeRuntime) Restart(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("restart %s", name)
	f.running[name] = true
	return nil
}

func (f *fakeRuntime) Logs(_ context.Context, name string, _ int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[name], nil
}

func (f *fakeRuntime) Exec(_ context.Context, name string, cmd ...string) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exec %s %v", name, cmd)
	return f.execResult, nil
}

func (f *fakeRuntime) Stats(_ context.Context, _ string) (*Stats, error) {
	return &Stats{CPUPercent: 1.5, MemoryUsage: 1 << 20}, nil
}

type issueCall struct {
	kind engine.IssueKind
	area engine.IssueContext
	ref  string
}

// fakeIssues records created issues.
type fakeIssues struct {
	mu     sync.Mutex
	issues []issueCall
}

func (f *fakeIssues) CreateIssue(_ context.Context, kind engine.IssueKind, area engine.IssueContext, ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues = append(f.issues, issueCall{kind, area, ref})
}

func (f *fakeIssues) kinds() []engine.IssueKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.IssueKind, len(f.issues))
	for i, c := range f.issues {
		out[i] = c.kind
	}
	return out
}

// fakeSystem is a mutable jobs.SystemStatus.
type fakeSystem struct {
	mu      sync.Mutex
	free    uint64
	healthy bool
	online  bool
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{free: 10 << 30, healthy: true, online: true}
}

func (f *fakeSystem) set(fn func(*fakeSystem)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeSystem) FreeSpace() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free
}

func (f *fakeSystem) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeSystem) ConnectivityHost() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeSystem) ConnectivitySystem() bool {
	return f.ConnectivityHost()
}
