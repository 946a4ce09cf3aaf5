package snapshots

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/OpenPeerPower/supervisor/pkg/components"
	"github.com/OpenPeerPower/supervisor/pkg/fsutil"
)

// PartialRestore selects what DoRestorePartial restores. Container
// registry credentials are always restored.
type PartialRestore struct {
	// Core restores the core version.
	Core bool

	Addons   []string
	Folders  []string
	Password string
}

// DoRestoreFull replaces the running system with snap. Add-ons missing
// from the snapshot are uninstalled.
func (m *Manager) DoRestoreFull(ctx context.Context, snap *Snapshot, password string) error {
	var key *snapshotKey
	m.logger.WithSlug(snap.Slug).Info("Full restore starting")
	err := m.execute(ctx, "restore_full", snap.Slug, restoreConditions,
		func(context.Context) error {
			if snap.Type != TypeFull {
				m.logger.WithSlug(snap.Slug).Error("Snapshot is only a partial snapshot")
				return ErrNotFullSnapshot
			}
			var err error
			key, err = m.unlock(snap, password)
			return err
		},
		func(ctx context.Context) error {
			return m.restoreFull(ctx, snap, key)
		},
	)
	if err == nil {
		m.logger.WithSlug(snap.Slug).Info("Full restore done")
	}
	return err
}

// DoRestorePartial restores the parts of snap selected by req.
func (m *Manager) DoRestorePartial(ctx context.Context, snap *Snapshot, req PartialRestore) error {
	var key *snapshotKey
	m.logger.WithSlug(snap.Slug).Info("Partial restore starting")
	err := m.execute(ctx, "restore_partial", snap.Slug, restoreConditions,
		func(context.Context) error {
			var err error
			key, err = m.unlock(snap, req.Password)
			return err
		},
		func(ctx context.Context) error {
			return m.restorePartial(ctx, snap, key, req)
		},
	)
	if err == nil {
		m.logger.WithSlug(snap.Slug).Info("Partial restore done")
	}
	return err
}

// unlock verifies password against a protected snapshot and returns the
// payload key.
func (m *Manager) unlock(snap *Snapshot, password string) (*snapshotKey, error) {
	if !snap.Protected {
		return nil, nil
	}
	if password == "" {
		m.logger.WithSlug(snap.Slug).Error("Password required for snapshot")
		return nil, ErrPasswordInvalid
	}
	key := deriveKey(password, snap.Slug)
	if !key.matches(snap.Verifier) {
		m.logger.WithSlug(snap.Slug).Error("Invalid password for snapshot")
		return nil, ErrPasswordInvalid
	}
	return key, nil
}

func (m *Manager) restoreFull(ctx context.Context, snap *Snapshot, key *snapshotKey) error {
	u, err := unpack(snap, m.cfg.TmpDir, key)
	if err != nil {
		return err
	}
	defer u.cleanup()
	logger := m.logger.WithSlug(snap.Slug)

	if err := m.deps.Coordinator.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("Restoring folders")
	for _, name := range snap.Folders {
		if err := m.restoreFolder(u, name); err != nil {
			return err
		}
	}

	logger.Info("Restoring docker config")
	if err := m.restoreRegistries(snap, key); err != nil {
		return err
	}

	logger.Info("Restoring core")
	if err := m.deps.Core.ApplySettings(snap.Core.Settings); err != nil {
		return fmt.Errorf("restore core settings: %w", err)
	}
	task := m.startCoreRestore(ctx, snap.Core.Version)
	joined := false
	defer func() {
		if !joined {
			m.joinCoreRestore(task)
		}
	}()

	logger.Info("Restoring repositories")
	if err := m.deps.Repositories.Update(snap.Repositories); err != nil {
		return fmt.Errorf("restore repositories: %w", err)
	}

	logger.Info("Removing add-ons not in the snapshot")
	for _, a := range m.deps.Addons.InstalledAddons() {
		if snap.HasAddon(a.Slug) {
			continue
		}
		// One at a time to keep slow storage responsive.
		if err := m.deps.Addons.UninstallAddon(ctx, a.Slug); err != nil {
			logger.WithError(err).Warnf("Can't uninstall add-on %s", a.Slug)
		}
	}

	logger.Info("Restoring add-ons")
	for _, a := range snap.Addons {
		m.restoreAddon(ctx, u, a.Slug)
	}

	logger.Info("Waiting for core")
	joined = true
	m.joinCoreRestore(task)
	if err := m.deps.Core.Start(ctx); err != nil {
		logger.WithError(err).Warn("Core start after restore failed")
	}
	return m.ensureAPI(ctx)
}

func (m *Manager) restorePartial(ctx context.Context, snap *Snapshot, key *snapshotKey, req PartialRestore) error {
	u, err := unpack(snap, m.cfg.TmpDir, key)
	if err != nil {
		return err
	}
	defer u.cleanup()
	logger := m.logger.WithSlug(snap.Slug)

	logger.Info("Restoring docker config")
	if err := m.restoreRegistries(snap, key); err != nil {
		return err
	}

	folders := make([]string, 0, len(req.Folders))
	for _, name := range req.Folders {
		if !snap.HasFolder(name) {
			logger.Warnf("Folder %s is not part of the snapshot", name)
			continue
		}
		folders = append(folders, name)
	}

	for _, name := range folders {
		if name != FolderCore {
			continue
		}
		if err := m.deps.Core.Stop(ctx); err != nil {
			return fmt.Errorf("stop core: %w", err)
		}
		if err := m.deps.Core.ApplySettings(snap.Core.Settings); err != nil {
			return fmt.Errorf("restore core settings: %w", err)
		}
	}

	if len(folders) > 0 {
		logger.Info("Restoring folders")
		for _, name := range folders {
			if err := m.restoreFolder(u, name); err != nil {
				return err
			}
		}
	}

	var task *errgroup.Group
	if req.Core {
		logger.Info("Restoring core")
		task = m.startCoreRestore(ctx, snap.Core.Version)
	}
	joined := false
	defer func() {
		if !joined {
			m.joinCoreRestore(task)
		}
	}()

	if len(req.Addons) > 0 {
		logger.Info("Restoring repositories")
		if err := m.deps.Repositories.Update(snap.Repositories); err != nil {
			return fmt.Errorf("restore repositories: %w", err)
		}
		logger.Info("Restoring add-ons")
		for _, slug := range req.Addons {
			if !snap.HasAddon(slug) {
				logger.Warnf("Add-on %s is not part of the snapshot", slug)
				continue
			}
			m.restoreAddon(ctx, u, slug)
		}
	}

	joined = true
	m.joinCoreRestore(task)

	running, err := m.deps.Core.IsRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		if err := m.deps.Core.Start(ctx); err != nil {
			logger.WithError(err).Warn("Core start after restore failed")
		}
	}
	return m.ensureAPI(ctx)
}

// startCoreRestore updates the core to version in the background. It
// returns nil when the version is already installed.
func (m *Manager) startCoreRestore(ctx context.Context, version string) *errgroup.Group {
	if version == "" || version == m.deps.Core.Version() {
		return nil
	}
	g := new(errgroup.Group)
	g.Go(func() error {
		return m.deps.Core.Update(ctx, version)
	})
	return g
}

func (m *Manager) joinCoreRestore(task *errgroup.Group) {
	if task == nil {
		return
	}
	if err := task.Wait(); err != nil {
		m.logger.WithError(err).Error("Core restore failed")
	}
}

// ensureAPI restarts the core once when its API does not answer.
func (m *Manager) ensureAPI(ctx context.Context) error {
	if m.deps.Core.CheckAPIState(ctx) {
		return nil
	}
	m.logger.Warn("Core API unreachable after restore, restarting")
	if err := m.deps.Core.Restart(ctx); err != nil {
		return fmt.Errorf("restart core: %w", err)
	}
	return nil
}

func (m *Manager) restoreFolder(u *unpacked, name string) error {
	dest, ok := m.cfg.Folders[name]
	if !ok {
		m.logger.Warnf("Folder %s is not configured, skipping", name)
		return nil
	}
	if err := fsutil.ClearDir(dest); err != nil {
		return fmt.Errorf("clear folder %s: %w", name, err)
	}
	err := u.open(folderMember(name), func(r io.Reader) error {
		return fsutil.UnpackDir(r, dest)
	})
	if err != nil {
		return fmt.Errorf("restore folder %s: %w", name, err)
	}
	return nil
}

func (m *Manager) restoreAddon(ctx context.Context, u *unpacked, slug string) {
	err := u.open(addonMember(slug), func(r io.Reader) error {
		return m.deps.Addons.RestoreAddon(ctx, slug, r)
	})
	if err != nil {
		m.logger.WithSlug(slug).WithError(err).Error("Can't restore add-on")
	}
}

func (m *Manager) restoreRegistries(snap *Snapshot, key *snapshotKey) error {
	for server, cred := range snap.DockerRegistries {
		password, err := key.decryptString(cred.Password)
		if err != nil {
			return fmt.Errorf("decrypt registry credential %s: %w", server, err)
		}
		if err := m.deps.Registries.Set(server, components.Credential{Username: cred.Username, Password: password}); err != nil {
			return fmt.Errorf("restore registry %s: %w", server, err)
		}
	}
	return nil
}
