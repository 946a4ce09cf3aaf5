package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/OpenPeerPower/supervisor/pkg/components"
	"github.com/OpenPeerPower/supervisor/pkg/transports/ssh"
)

// fakeRuntime is an in-memory container runtime.
type fakeRuntime struct {
	mu      sync.Mutex
	running map[string]bool
	images  map[string]bool
	calls   []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		running: make(map[string]bool),
		images:  make(map[string]bool),
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

func (f *fakeRuntime) Running(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name]
}

func (f *fakeRuntime) IsRunning(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name], nil
}

func (f *fakeRuntime) IsFailed(context.Context, string) (bool, error) {
	return false, nil
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
	f.images[image+":"+version] = true
	return nil
}

func (f *fakeRuntime) Tag(_ context.Context, image, version, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("tag %s:%s %s", image, version, tag)
	f.images[image+":"+tag] = true
	return nil
}

func (f *fakeRuntime) RemoveImage(_ context.Context, image, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, image+":"+version)
	return nil
}

func (f *fakeRuntime) Run(_ context.Context, spec components.ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("run %s", spec.Name)
	f.running[spec.Name] = true
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

func (f *fakeRuntime) Logs(context.Context, string, int) ([]byte, error) {
	return nil, nil
}

func (f *fakeRuntime) Exec(context.Context, string, ...string) (components.ExecResult, error) {
	return components.ExecResult{}, nil
}

func (f *fakeRuntime) Stats(context.Context, string) (*components.Stats, error) {
	return &components.Stats{}, nil
}

type fakeStatus struct{}

func (fakeStatus) FreeSpace() uint64        { return 10 << 30 }
func (fakeStatus) Healthy() bool            { return true }
func (fakeStatus) ConnectivityHost() bool   { return true }
func (fakeStatus) ConnectivitySystem() bool { return true }

// nopTransport accepts every call and stores nothing.
type nopTransport struct{}

func (nopTransport) Connect(context.Context) error     { return nil }
func (nopTransport) Disconnect() error                 { return nil }
func (nopTransport) IsConnected() bool                 { return true }
func (nopTransport) HealthCheck(context.Context) error { return nil }

func (nopTransport) UploadFile(context.Context, string, string) (*ssh.FileTransferResult, error) {
	return &ssh.FileTransferResult{}, nil
}

func (nopTransport) RemoveFile(context.Context, string) error { return nil }

func (nopTransport) ListFiles(context.Context, string) ([]ssh.RemoteFile, error) {
	return nil, nil
}

func (nopTransport) GetConnectionInfo() ssh.ConnectionInfo {
	return ssh.ConnectionInfo{}
}
