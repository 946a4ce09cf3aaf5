package snapshots

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/stores"
)

func TestCreateSlug(t *testing.T) {
	date := "2021-03-01T12:00:00Z"
	a := CreateSlug("Weekly", date)
	if len(a) != 8 {
		t.Fatalf("slug %q should have 8 characters", a)
	}
	if b := CreateSlug("weekly", date); b != a {
		t.Errorf("slug should ignore case, got %s and %s", a, b)
	}
	if c := CreateSlug("Weekly", "2021-03-02T12:00:00Z"); c == a {
		t.Errorf("different dates should give different slugs")
	}
}

func TestKeyDerivation(t *testing.T) {
	key := deriveKey("hunter2", "abcd1234")
	if len(key.key) != 16 {
		t.Fatalf("expected a 16 byte key, got %d", len(key.key))
	}
	if !deriveKey("hunter2", "abcd1234").matches(key.verifier) {
		t.Error("same password and slug should match")
	}
	if deriveKey("hunter3", "abcd1234").matches(key.verifier) {
		t.Error("wrong password should not match")
	}
	if deriveKey("hunter2", "ffff0000").matches(key.verifier) {
		t.Error("same password with another slug should not match")
	}

	enc, err := key.encryptString("registry-secret")
	if err != nil {
		t.Fatal(err)
	}
	if enc == "registry-secret" {
		t.Fatal("string was not encrypted")
	}
	dec, err := key.decryptString(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != "registry-secret" {
		t.Errorf("expected round trip, got %q", dec)
	}

	var none *snapshotKey
	plain, err := none.encryptString("open")
	if err != nil || plain != "open" {
		t.Errorf("nil key should pass through, got %q %v", plain, err)
	}
}

func TestSnapshotFullRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	writeFile(t, env.cfg.Folders["share"], "music/song.txt", "la la la")
	writeFile(t, env.cfg.Folders["ssl"], "cert.pem", "CERT")
	writeFile(t, env.cfg.Folders[FolderCore], "configuration.yaml", "name: home")

	snap, err := env.manager.DoSnapshotFull(ctx, "Nightly", "")
	if err != nil {
		t.Fatalf("DoSnapshotFull failed: %v", err)
	}
	if snap.Type != TypeFull || snap.Protected {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if got := snap.AddonSlugs(); strings.Join(got, ",") != "mosquitto,samba" {
		t.Errorf("expected both add-ons, got %v", got)
	}
	if got := strings.Join(snap.Folders, ","); got != "openpeerpower,share,ssl" {
		t.Errorf("expected all folders, got %s", got)
	}
	if _, ok := env.manager.Get(snap.Slug); !ok {
		t.Error("snapshot should be in the catalog")
	}
	if got := dirEntries(t, env.cfg.BackupDir); len(got) != 1 || got[0] != snap.Slug+".tar" {
		t.Errorf("expected only the archive in the backup dir, got %v", got)
	}
	if got := dirEntries(t, env.cfg.TmpDir); len(got) != 0 {
		t.Errorf("staging should be cleaned up, got %v", got)
	}
	if last := env.events.Last(); last.Status != stores.SnapshotEventSucceeded || last.Operation != "create_full" {
		t.Errorf("unexpected event %+v", last)
	}

	// Drift away from the snapshot.
	_ = os.RemoveAll(filepath.Join(env.cfg.Folders["share"], "music"))
	writeFile(t, env.cfg.Folders["share"], "junk.txt", "junk")
	env.addons.mu.Lock()
	env.addons.installed["mosquitto"] = "changed"
	env.addons.installed["zigbee"] = "new add-on"
	env.addons.mu.Unlock()
	_ = env.repos.Update(nil)
	env.registries.mu.Lock()
	env.registries.creds = nil
	env.registries.mu.Unlock()

	if err := env.manager.DoRestoreFull(ctx, snap, ""); err != nil {
		t.Fatalf("DoRestoreFull failed: %v", err)
	}

	if content, err := readFile(env.cfg.Folders["share"], "music/song.txt"); err != nil || content != "la la la" {
		t.Errorf("share not restored: %q %v", content, err)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.Folders["share"], "junk.txt")); !os.IsNotExist(err) {
		t.Error("files created after the snapshot should be gone")
	}
	if got := env.addons.Content("mosquitto"); got != "broker data" {
		t.Errorf("add-on data not restored, got %q", got)
	}
	if got := strings.Join(env.addons.Slugs(), ","); got != "mosquitto,samba" {
		t.Errorf("add-ons not in the snapshot should be removed, got %s", got)
	}
	if env.coordinator.Calls() != 1 {
		t.Errorf("expected one shutdown, got %d", env.coordinator.Calls())
	}
	if got := env.repos.List(); len(got) != 1 {
		t.Errorf("repositories not restored: %v", got)
	}
	if cred := env.registries.All()["ghcr.io"]; cred.Password != "s3cret" {
		t.Errorf("registry credential not restored: %+v", cred)
	}
	if running, _ := env.core.IsRunning(ctx); !running {
		t.Error("core should be started after restore")
	}
	if env.lifecycle.State() != engine.StateRunning {
		t.Errorf("expected running, got %s", env.lifecycle.State())
	}
}

func TestRestoreFullOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	writeFile(t, env.cfg.Folders["share"], "music/song.txt", "la la la")

	snap, err := env.manager.DoSnapshotFull(ctx, "Ordered", "")
	if err != nil {
		t.Fatalf("DoSnapshotFull failed: %v", err)
	}

	_ = os.RemoveAll(filepath.Join(env.cfg.Folders["share"], "music"))
	env.addons.mu.Lock()
	env.addons.installed["zigbee"] = "new add-on"
	env.addons.mu.Unlock()
	env.core.mu.Lock()
	env.core.version = "2021.6.0"
	env.core.apiUp = false
	env.core.mu.Unlock()

	steps := env.recordSteps()
	folderState := func() string {
		if _, err := readFile(env.cfg.Folders["share"], "music/song.txt"); err != nil {
			return "folders:stale"
		}
		return "folders:restored"
	}
	env.coordinator.onShutdown = func() { steps.add(folderState()) }
	env.registries.onSet = func(string) { steps.add(folderState()) }

	if err := env.manager.DoRestoreFull(ctx, snap, ""); err != nil {
		t.Fatalf("DoRestoreFull failed: %v", err)
	}

	// The core update runs alongside the add-on steps; check it separately.
	var got []string
	update := -1
	for i, step := range steps.Entries() {
		if step == "core:update:2021.1.0" {
			update = i
			continue
		}
		got = append(got, step)
	}
	want := []string{
		"shutdown",
		"folders:stale",
		"core:stop",
		"folders:restored",
		"registry:ghcr.io",
		"core:settings",
		"repositories",
		"uninstall:zigbee",
		"restore:mosquitto",
		"restore:samba",
		"core:start",
		"core:restart",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("restore steps:\n got %v\nwant %v", got, want)
	}

	all := steps.Entries()
	index := func(step string) int {
		for i, s := range all {
			if s == step {
				return i
			}
		}
		return -1
	}
	if update < 0 {
		t.Fatal("core was not updated to the snapshot version")
	}
	if update < index("core:settings") || update > index("core:start") {
		t.Errorf("core update at %d, want between settings and start in %v", update, all)
	}
}

func TestSnapshotFreezesWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var states []engine.CoreState
	var locked []bool
	env.addons.onBackup = func(string) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, env.lifecycle.State())
		locked = append(locked, env.manager.Lock().Locked())
	}

	if _, err := env.manager.DoSnapshotFull(context.Background(), "Frozen", ""); err != nil {
		t.Fatalf("DoSnapshotFull failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 {
		t.Fatalf("expected two backups, got %d", len(states))
	}
	for i := range states {
		if states[i] != engine.StateFreeze {
			t.Errorf("backup %d ran in state %s", i, states[i])
		}
		if !locked[i] {
			t.Errorf("backup %d ran without the snapshot lock", i)
		}
	}
	if env.lifecycle.State() != engine.StateRunning {
		t.Errorf("expected running afterwards, got %s", env.lifecycle.State())
	}
	if env.manager.Lock().Locked() {
		t.Error("lock should be released")
	}
}

func TestSnapshotFailureCleansUp(t *testing.T) {
	env := newTestEnv(t)
	env.addons.failOn = "samba"

	_, err := env.manager.DoSnapshotFull(context.Background(), "Broken", "")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !engine.IsWorkflowError(err) {
		t.Errorf("expected a workflow error, got %v", err)
	}
	if env.lifecycle.State() != engine.StateRunning {
		t.Errorf("expected running after failure, got %s", env.lifecycle.State())
	}
	if env.manager.Lock().Locked() {
		t.Error("lock should be released after failure")
	}
	if len(env.manager.List()) != 0 {
		t.Error("failed snapshot should not be registered")
	}
	if got := dirEntries(t, env.cfg.BackupDir); len(got) != 0 {
		t.Errorf("backup dir should be empty, got %v", got)
	}
	if got := dirEntries(t, env.cfg.TmpDir); len(got) != 0 {
		t.Errorf("staging should be removed, got %v", got)
	}
	if last := env.events.Last(); last.Status != stores.SnapshotEventFailed {
		t.Errorf("expected failed event, got %+v", last)
	}
}

func TestSnapshotRejectedWhenNotRunning(t *testing.T) {
	env := newTestEnv(t)
	env.lifecycle.SetState(engine.StateSetup)
	frozen := false
	env.lifecycle.Observe(func(_, state engine.CoreState) {
		if state == engine.StateFreeze {
			frozen = true
		}
	})

	_, err := env.manager.DoSnapshotFull(context.Background(), "Early", "")
	if !engine.IsConditionFailed(err) {
		t.Fatalf("expected condition error, got %v", err)
	}
	if frozen {
		t.Error("rejected operation must not freeze")
	}
	if env.lifecycle.State() != engine.StateSetup {
		t.Errorf("state should be untouched, got %s", env.lifecycle.State())
	}
	if last := env.events.Last(); last.Status != stores.SnapshotEventRejected {
		t.Errorf("expected rejected event, got %+v", last)
	}
}

func TestSnapshotConcurrentRejected(t *testing.T) {
	env := newTestEnv(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.addons.onBackup = func(string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.manager.DoSnapshotFull(context.Background(), "First", "")
		done <- err
	}()
	<-entered

	_, err := env.manager.DoSnapshotPartial(context.Background(), "Second", []string{"samba"}, nil, "")
	if !engine.IsInProgress(err) {
		t.Errorf("expected in-progress error, got %v", err)
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("first snapshot failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("first snapshot did not finish")
	}
	if len(env.manager.List()) != 1 {
		t.Errorf("expected one snapshot, got %d", len(env.manager.List()))
	}
}

func TestRemoveRejectedDuringSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	old, err := env.manager.DoSnapshotPartial(ctx, "Old", nil, []string{"ssl"}, "")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(old.Path())
	if err != nil {
		t.Fatal(err)
	}
	dropped := filepath.Join(t.TempDir(), "upload.tar")
	if err := os.WriteFile(dropped, data, 0o644); err != nil {
		t.Fatal(err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.addons.onBackup = func(string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	done := make(chan error, 1)
	go func() {
		_, err := env.manager.DoSnapshotFull(ctx, "Running", "")
		done <- err
	}()
	<-entered

	if state := env.lifecycle.State(); state != engine.StateFreeze {
		t.Fatalf("expected freeze while the snapshot runs, got %s", state)
	}
	if err := env.manager.Remove(ctx, old.Slug); !engine.IsInProgress(err) {
		t.Errorf("Remove = %v, want in-progress error", err)
	}
	if _, ok := env.manager.Get(old.Slug); !ok {
		t.Error("catalog entry removed while the snapshot ran")
	}
	if _, err := os.Stat(old.Path()); err != nil {
		t.Errorf("archive touched while the snapshot ran: %v", err)
	}
	if _, err := env.manager.Import(ctx, dropped); !engine.IsInProgress(err) {
		t.Errorf("Import = %v, want in-progress error", err)
	}
	if _, err := os.Stat(dropped); err != nil {
		t.Errorf("import source moved while the snapshot ran: %v", err)
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("snapshot failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("snapshot did not finish")
	}
	if err := env.manager.Remove(ctx, old.Slug); err != nil {
		t.Errorf("Remove after the snapshot: %v", err)
	}
}

func TestImporterWaitsWhileFrozen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	snap, err := env.manager.DoSnapshotPartial(ctx, "Held", nil, []string{"share"}, "")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(snap.Path())
	if err != nil {
		t.Fatal(err)
	}
	if err := env.manager.Remove(ctx, snap.Slug); err != nil {
		t.Fatal(err)
	}

	importDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(importDir, "held.tar"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	env.lifecycle.SetState(engine.StateFreeze)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	importer := NewImporter(env.manager, importDir, 20*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- importer.Run(runCtx) }()

	time.Sleep(200 * time.Millisecond)
	if _, ok := env.manager.Get(snap.Slug); ok {
		t.Fatal("archive imported while frozen")
	}

	env.lifecycle.SetState(engine.StateRunning)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := env.manager.Get(snap.Slug); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("archive was not imported after thaw")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestPartialSnapshotSkipsUnknown(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.cfg.Folders["share"], "a.txt", "a")

	snap, err := env.manager.DoSnapshotPartial(context.Background(), "Some",
		[]string{"samba", "ghost", "samba"}, []string{"share", "bogus"}, "")
	if err != nil {
		t.Fatalf("DoSnapshotPartial failed: %v", err)
	}
	if snap.Type != TypePartial {
		t.Errorf("expected partial, got %s", snap.Type)
	}
	if got := snap.AddonSlugs(); len(got) != 1 || got[0] != "samba" {
		t.Errorf("expected only samba, got %v", got)
	}
	if len(snap.Folders) != 1 || snap.Folders[0] != "share" {
		t.Errorf("expected only share, got %v", snap.Folders)
	}
}

func TestRestoreFullRejectsPartial(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.manager.DoSnapshotPartial(context.Background(), "Partial", []string{"samba"}, nil, "")
	if err != nil {
		t.Fatal(err)
	}

	err = env.manager.DoRestoreFull(context.Background(), snap, "")
	if !errors.Is(err, ErrNotFullSnapshot) {
		t.Fatalf("expected ErrNotFullSnapshot, got %v", err)
	}
	if env.coordinator.Calls() != 0 {
		t.Error("nothing should be stopped")
	}
}

func TestProtectedSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	writeFile(t, env.cfg.Folders["ssl"], "key.pem", "PRIVATE")

	snap, err := env.manager.DoSnapshotFull(ctx, "Secret", "correct horse")
	if err != nil {
		t.Fatalf("DoSnapshotFull failed: %v", err)
	}
	if !snap.Protected || snap.Crypto != CryptoAES128 || snap.Verifier == "" {
		t.Fatalf("snapshot should be protected: %+v", snap)
	}
	if got := snap.DockerRegistries["ghcr.io"].Password; got == "s3cret" {
		t.Error("registry password stored in clear text")
	}

	// Metadata survives a reload from disk.
	if err := env.manager.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	loaded, ok := env.manager.Get(snap.Slug)
	if !ok || !loaded.Protected {
		t.Fatalf("protected snapshot not reloaded: %+v", loaded)
	}

	tests := []struct {
		name     string
		password string
	}{
		{"missing password", ""},
		{"wrong password", "battery staple"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.manager.DoRestoreFull(ctx, loaded, tt.password)
			if !errors.Is(err, ErrPasswordInvalid) {
				t.Fatalf("expected ErrPasswordInvalid, got %v", err)
			}
			if env.coordinator.Calls() != 0 {
				t.Error("a rejected restore must not stop anything")
			}
			if env.lifecycle.State() != engine.StateRunning {
				t.Errorf("expected running, got %s", env.lifecycle.State())
			}
		})
	}

	_ = os.Remove(filepath.Join(env.cfg.Folders["ssl"], "key.pem"))
	env.registries.mu.Lock()
	env.registries.creds = nil
	env.registries.mu.Unlock()

	if err := env.manager.DoRestoreFull(ctx, loaded, "correct horse"); err != nil {
		t.Fatalf("restore with the right password failed: %v", err)
	}
	if content, err := readFile(env.cfg.Folders["ssl"], "key.pem"); err != nil || content != "PRIVATE" {
		t.Errorf("ssl not restored: %q %v", content, err)
	}
	if got := env.addons.Content("samba"); got != "share config" {
		t.Errorf("add-on not restored, got %q", got)
	}
	if cred := env.registries.All()["ghcr.io"]; cred.Password != "s3cret" {
		t.Errorf("registry password not decrypted: %+v", cred)
	}
}

func TestRestoreCoreVersion(t *testing.T) {
	tests := []struct {
		name        string
		current     string
		wantUpdate  bool
		wantVersion string
	}{
		{"same version", "2021.1.0", false, "2021.1.0"},
		{"newer installed", "2021.4.0", true, "2021.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			snap, err := env.manager.DoSnapshotFull(ctx, "Core", "")
			if err != nil {
				t.Fatal(err)
			}

			env.core.mu.Lock()
			env.core.version = tt.current
			env.core.calls = nil
			env.core.mu.Unlock()

			if err := env.manager.DoRestoreFull(ctx, snap, ""); err != nil {
				t.Fatalf("DoRestoreFull failed: %v", err)
			}

			calls := env.core.Calls()
			update, start := -1, -1
			for i, c := range calls {
				if strings.HasPrefix(c, "update:") {
					update = i
				}
				if c == "start" {
					start = i
				}
			}
			if (update >= 0) != tt.wantUpdate {
				t.Fatalf("update called = %v, want %v (calls %v)", update >= 0, tt.wantUpdate, calls)
			}
			if start < 0 {
				t.Fatalf("core not started, calls %v", calls)
			}
			if tt.wantUpdate && update > start {
				t.Errorf("core update must finish before start, calls %v", calls)
			}
			if got := env.core.Version(); got != tt.wantVersion {
				t.Errorf("expected version %s, got %s", tt.wantVersion, got)
			}
		})
	}
}

func TestRestoreRestartsUnresponsiveCore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	snap, err := env.manager.DoSnapshotFull(ctx, "Api", "")
	if err != nil {
		t.Fatal(err)
	}
	env.core.mu.Lock()
	env.core.apiUp = false
	env.core.mu.Unlock()

	if err := env.manager.DoRestoreFull(ctx, snap, ""); err != nil {
		t.Fatalf("DoRestoreFull failed: %v", err)
	}
	restarts := 0
	for _, c := range env.core.Calls() {
		if c == "restart" {
			restarts++
		}
	}
	if restarts != 1 {
		t.Errorf("expected one restart, got %d", restarts)
	}
}

func TestRestorePartial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	writeFile(t, env.cfg.Folders["share"], "keep.txt", "original")
	writeFile(t, env.cfg.Folders[FolderCore], "configuration.yaml", "v1")

	snap, err := env.manager.DoSnapshotFull(ctx, "Full", "")
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, env.cfg.Folders["share"], "keep.txt", "modified")
	writeFile(t, env.cfg.Folders[FolderCore], "configuration.yaml", "v2")
	env.addons.mu.Lock()
	env.addons.installed["samba"] = "modified"
	env.addons.installed["mosquitto"] = "modified"
	env.addons.mu.Unlock()
	env.core.mu.Lock()
	env.core.calls = nil
	env.core.mu.Unlock()

	err = env.manager.DoRestorePartial(ctx, snap, PartialRestore{
		Addons:  []string{"samba", "ghost"},
		Folders: []string{FolderCore, "media"},
	})
	if err != nil {
		t.Fatalf("DoRestorePartial failed: %v", err)
	}

	if content, _ := readFile(env.cfg.Folders[FolderCore], "configuration.yaml"); content != "v1" {
		t.Errorf("core folder not restored, got %q", content)
	}
	if content, _ := readFile(env.cfg.Folders["share"], "keep.txt"); content != "modified" {
		t.Errorf("share should be untouched, got %q", content)
	}
	if got := env.addons.Content("samba"); got != "share config" {
		t.Errorf("samba not restored, got %q", got)
	}
	if got := env.addons.Content("mosquitto"); got != "modified" {
		t.Errorf("mosquitto should be untouched, got %q", got)
	}
	if env.coordinator.Calls() != 0 {
		t.Error("partial restore must not shut everything down")
	}

	calls := strings.Join(env.core.Calls(), ",")
	if !strings.HasPrefix(calls, "stop,settings") || !strings.Contains(calls, "start") {
		t.Errorf("restoring the core folder should stop and restart the core, calls %s", calls)
	}
}

func TestReloadSkipsCorruptArchives(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	snap, err := env.manager.DoSnapshotFull(ctx, "Good", "")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, env.cfg.BackupDir, "garbage.tar", "this is not a tar file")

	if err := env.manager.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	list := env.manager.List()
	if len(list) != 1 || list[0].Slug != snap.Slug {
		t.Fatalf("expected only the good snapshot, got %d", len(list))
	}
	if list[0].Size == 0 {
		t.Error("size should be set from the archive")
	}

	env.issues.mu.Lock()
	defer env.issues.mu.Unlock()
	if len(env.issues.kinds) != 1 || env.issues.kinds[0] != engine.IssueCorruptSnapshot {
		t.Errorf("expected one corrupt snapshot issue, got %v", env.issues.kinds)
	}
}

func TestListOrderedByDate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var slugs []string
	for _, name := range []string{"one", "two", "three"} {
		snap, err := env.manager.DoSnapshotPartial(ctx, name, nil, []string{"ssl"}, "")
		if err != nil {
			t.Fatal(err)
		}
		slugs = append(slugs, snap.Slug)
	}
	list := env.manager.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(list))
	}
	for i, s := range list {
		if s.Slug != slugs[i] {
			t.Errorf("position %d: expected %s, got %s", i, slugs[i], s.Slug)
		}
	}
}

func TestRemoveAndImport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	snap, err := env.manager.DoSnapshotFull(ctx, "Moving", "")
	if err != nil {
		t.Fatal(err)
	}

	importDir := t.TempDir()
	data, err := os.ReadFile(snap.Path())
	if err != nil {
		t.Fatal(err)
	}
	dropped := filepath.Join(importDir, "upload.tar")
	if err := os.WriteFile(dropped, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := env.manager.Remove(ctx, snap.Slug); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := env.manager.Get(snap.Slug); ok {
		t.Error("removed snapshot still listed")
	}
	if _, err := os.Stat(snap.Path()); !os.IsNotExist(err) {
		t.Error("archive should be deleted")
	}
	if err := env.manager.Remove(ctx, snap.Slug); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	imported, err := env.manager.Import(ctx, dropped)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if imported.Slug != snap.Slug {
		t.Errorf("expected slug %s, got %s", snap.Slug, imported.Slug)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.BackupDir, snap.Slug+".tar")); err != nil {
		t.Errorf("archive not stored under its slug: %v", err)
	}
	if _, err := os.Stat(dropped); !os.IsNotExist(err) {
		t.Error("imported file should be moved away")
	}

	bogus := filepath.Join(importDir, "bogus.tar")
	writeFile(t, importDir, "bogus.tar", "nope")
	if _, err := env.manager.Import(ctx, bogus); !engine.IsPermanent(err) {
		t.Errorf("expected permanent error for a bogus archive, got %v", err)
	}
	if last := env.events.Last(); last.Status != stores.SnapshotEventRejected || last.Operation != "import" {
		t.Errorf("expected rejected import event, got %+v", last)
	}
}

func TestImporterPicksUpArchives(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	snap, err := env.manager.DoSnapshotPartial(ctx, "Dropped", []string{"samba"}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(snap.Path())
	if err != nil {
		t.Fatal(err)
	}
	if err := env.manager.Remove(ctx, snap.Slug); err != nil {
		t.Fatal(err)
	}

	importDir := t.TempDir()
	runCtx, cancel := context.WithCancel(ctx)
	importer := NewImporter(env.manager, importDir, 50*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- importer.Run(runCtx) }()

	// Give the watcher a moment to start before dropping the file.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(importDir, "dropped.tar"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := env.manager.Get(snap.Slug); ok {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("snapshot was not imported")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestEventsRecordOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	snap, err := env.manager.DoSnapshotPartial(ctx, "Events", nil, []string{"ssl"}, "")
	if err != nil {
		t.Fatal(err)
	}
	_ = env.manager.DoRestoreFull(ctx, snap, "")
	if err := env.manager.Remove(ctx, snap.Slug); err != nil {
		t.Fatal(err)
	}

	env.events.mu.Lock()
	defer env.events.mu.Unlock()
	var got []string
	for _, e := range env.events.events {
		got = append(got, e.Operation+":"+string(e.Status))
	}
	want := []string{"create_partial:succeeded", "restore_full:rejected", "remove:succeeded"}
	sort.Strings(got)
	sort.Strings(want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected events %v, got %v", want, got)
	}
}
