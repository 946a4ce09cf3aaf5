package snapshots

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/components"
	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/fsutil"
	"github.com/OpenPeerPower/supervisor/pkg/jobs"
	"github.com/OpenPeerPower/supervisor/pkg/stores"
)

// stepLog collects calls across fakes in the order they happened.
type stepLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *stepLog) add(entry string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *stepLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fakeCore struct {
	mu       sync.Mutex
	version  string
	settings components.CoreSettings
	running  bool
	apiUp    bool
	calls    []string
	steps    *stepLog
}

func newFakeCore(version string) *fakeCore {
	return &fakeCore{
		version:  version,
		settings: components.CoreSettings{Version: version, Image: "opp/core", Port: 8123, Boot: true, Watchdog: true},
		running:  true,
		apiUp:    true,
	}
}

func (f *fakeCore) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.steps.add("core:" + call)
}

func (f *fakeCore) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCore) IsRunning(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeCore) Start(context.Context) error {
	f.record("start")
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeCore) Stop(context.Context) error {
	f.record("stop")
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeCore) Restart(context.Context) error {
	f.record("restart")
	return nil
}

func (f *fakeCore) Version() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version
}

func (f *fakeCore) Settings() components.CoreSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeCore) ApplySettings(s components.CoreSettings) error {
	f.record("settings")
	f.mu.Lock()
	defer f.mu.Unlock()
	s.Version = f.version
	f.settings = s
	return nil
}

func (f *fakeCore) Update(_ context.Context, version string) error {
	f.record("update:" + version)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = version
	f.settings.Version = version
	return nil
}

func (f *fakeCore) CheckAPIState(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.apiUp
}

// fakeAddons keeps add-on data in memory. Backups are gzip tarballs of a
// single file so restore goes through the same unpacking as real data.
type fakeAddons struct {
	mu        sync.Mutex
	installed map[string]string
	versions  map[string]string
	uninstall []string
	failOn    string
	steps     *stepLog

	// onBackup runs at the start of every backup.
	onBackup func(slug string)
}

func newFakeAddons(data map[string]string) *fakeAddons {
	f := &fakeAddons{installed: make(map[string]string), versions: make(map[string]string)}
	for slug, content := range data {
		f.installed[slug] = content
		f.versions[slug] = "1.0.0"
	}
	return f
}

func (f *fakeAddons) InstalledAddons() []engine.AddonInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.AddonInfo, 0, len(f.installed))
	for slug := range f.installed {
		out = append(out, engine.AddonInfo{Slug: slug, Name: slug, Version: f.versions[slug]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

func (f *fakeAddons) Slugs() []string {
	var out []string
	for _, a := range f.InstalledAddons() {
		out = append(out, a.Slug)
	}
	return out
}

func (f *fakeAddons) Content(slug string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed[slug]
}

func (f *fakeAddons) BackupAddon(_ context.Context, slug string, w io.Writer) error {
	if f.onBackup != nil {
		f.onBackup(slug)
	}
	f.mu.Lock()
	content, ok := f.installed[slug]
	fail := f.failOn == slug
	f.mu.Unlock()
	if fail {
		return errors.New("backup exploded")
	}
	if !ok {
		return errors.New("not installed")
	}
	return fsutil.PackDir(w, "", fsutil.PackOptions{
		Level: fsutil.LevelDefault,
		Files: map[string][]byte{"content": []byte(content)},
	})
}

func (f *fakeAddons) RestoreAddon(_ context.Context, slug string, r io.Reader) error {
	dir, err := tempDir()
	if err != nil {
		return err
	}
	defer removeAll(dir)
	if err := fsutil.UnpackDir(r, dir); err != nil {
		return err
	}
	content, err := readFile(dir, "content")
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed[slug] = content
	f.versions[slug] = "1.0.0"
	f.steps.add("restore:" + slug)
	return nil
}

func (f *fakeAddons) UninstallAddon(_ context.Context, slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.installed, slug)
	f.uninstall = append(f.uninstall, slug)
	f.steps.add("uninstall:" + slug)
	return nil
}

type fakeCoordinator struct {
	mu    sync.Mutex
	calls int
	core  *fakeCore
	steps *stepLog

	// onShutdown runs after the shutdown is logged, before the core stops.
	onShutdown func()
}

func (f *fakeCoordinator) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.steps.add("shutdown")
	if f.onShutdown != nil {
		f.onShutdown()
	}
	return f.core.Stop(ctx)
}

func (f *fakeCoordinator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRepos struct {
	mu    sync.Mutex
	urls  []string
	steps *stepLog
}

func (f *fakeRepos) List() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

func (f *fakeRepos) Update(urls []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append([]string(nil), urls...)
	f.steps.add("repositories")
	return nil
}

type fakeRegistries struct {
	mu    sync.Mutex
	creds map[string]components.Credential
	steps *stepLog

	// onSet runs before a credential is stored.
	onSet func(server string)
}

func (f *fakeRegistries) All() map[string]components.Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]components.Credential, len(f.creds))
	for k, v := range f.creds {
		out[k] = v
	}
	return out
}

func (f *fakeRegistries) Set(server string, cred components.Credential) error {
	if f.onSet != nil {
		f.onSet(server)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps.add("registry:" + server)
	if f.creds == nil {
		f.creds = make(map[string]components.Credential)
	}
	f.creds[server] = cred
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []stores.SnapshotEvent
}

func (f *fakeEvents) AppendSnapshotEvent(_ context.Context, e *stores.SnapshotEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeEvents) Last() stores.SnapshotEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return stores.SnapshotEvent{}
	}
	return f.events[len(f.events)-1]
}

type fakeIssues struct {
	mu    sync.Mutex
	kinds []engine.IssueKind
}

func (f *fakeIssues) CreateIssue(_ context.Context, kind engine.IssueKind, _ engine.IssueContext, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
}

type fakeStatus struct{}

func (fakeStatus) FreeSpace() uint64        { return 10 << 30 }
func (fakeStatus) Healthy() bool            { return true }
func (fakeStatus) ConnectivityHost() bool   { return true }
func (fakeStatus) ConnectivitySystem() bool { return true }

type testEnv struct {
	manager     *Manager
	lifecycle   *engine.Lifecycle
	core        *fakeCore
	addons      *fakeAddons
	coordinator *fakeCoordinator
	repos       *fakeRepos
	registries  *fakeRegistries
	events      *fakeEvents
	issues      *fakeIssues
	cfg         Config
}

// recordSteps makes every fake log its calls into one ordered log.
func (e *testEnv) recordSteps() *stepLog {
	steps := &stepLog{}
	e.core.mu.Lock()
	e.core.steps = steps
	e.core.mu.Unlock()
	e.addons.mu.Lock()
	e.addons.steps = steps
	e.addons.mu.Unlock()
	e.coordinator.steps = steps
	e.repos.mu.Lock()
	e.repos.steps = steps
	e.repos.mu.Unlock()
	e.registries.mu.Lock()
	e.registries.steps = steps
	e.registries.mu.Unlock()
	return steps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	lc := engine.NewLifecycle(nil)
	lc.SetState(engine.StateRunning)
	checker := jobs.NewChecker(lc, fakeStatus{}, 1<<30)

	core := newFakeCore("2021.1.0")
	env := &testEnv{
		lifecycle:   lc,
		core:        core,
		addons:      newFakeAddons(map[string]string{"mosquitto": "broker data", "samba": "share config"}),
		coordinator: &fakeCoordinator{core: core},
		repos:       &fakeRepos{urls: []string{"https://github.com/openpeerpower/addons"}},
		registries: &fakeRegistries{creds: map[string]components.Credential{
			"ghcr.io": {Username: "bot", Password: "s3cret"},
		}},
		events: &fakeEvents{},
		issues: &fakeIssues{},
	}

	env.cfg = Config{
		BackupDir: mkdir(t, root, "backup"),
		TmpDir:    mkdir(t, root, "tmp"),
		Folders: map[string]string{
			FolderCore: mkdir(t, root, "openpeerpower"),
			"share":    mkdir(t, root, "share"),
			"ssl":      mkdir(t, root, "ssl"),
		},
		Compression:       fsutil.LevelFast,
		ReloadConcurrency: 2,
	}

	tick := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}

	env.manager = New(env.cfg, Dependencies{
		Lifecycle:    lc,
		Checker:      checker,
		Core:         core,
		Addons:       env.addons,
		Coordinator:  env.coordinator,
		Repositories: env.repos,
		Registries:   env.registries,
	}, WithEvents(env.events), WithIssues(env.issues), WithClock(clock))
	return env
}
