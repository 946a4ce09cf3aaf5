package snapshots

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/components"
	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/fsutil"
)

// DoSnapshotFull archives the core settings, every installed add-on and
// every configured folder. An empty password leaves the snapshot
// unprotected.
func (m *Manager) DoSnapshotFull(ctx context.Context, name, password string) (*Snapshot, error) {
	return m.create(ctx, TypeFull, name, nil, nil, password)
}

// DoSnapshotPartial archives the requested add-ons and folders. Add-ons
// that are not installed and unknown folders are skipped with a warning.
func (m *Manager) DoSnapshotPartial(ctx context.Context, name string, addons, folders []string, password string) (*Snapshot, error) {
	return m.create(ctx, TypePartial, name, addons, folders, password)
}

func (m *Manager) create(ctx context.Context, typ Type, name string, addons, folders []string, password string) (*Snapshot, error) {
	date := m.now().UTC().Format(time.RFC3339Nano)
	snap := &Snapshot{
		Slug: CreateSlug(name, date),
		Name: name,
		Date: date,
		Type: typ,
	}
	var key *snapshotKey

	op := "create_" + string(typ)
	m.logger.WithSlug(snap.Slug).Infof("Creating new %s snapshot", typ)
	err := m.execute(ctx, op, snap.Slug, createConditions,
		func(ctx context.Context) error {
			if password != "" {
				key = deriveKey(password, snap.Slug)
				snap.Protected = true
				snap.Crypto = CryptoAES128
				snap.Verifier = key.verifier
			}
			return m.captureMetadata(snap, key)
		},
		func(ctx context.Context) error {
			return m.writeSnapshot(ctx, snap, key, addons, folders)
		},
	)
	if err != nil {
		return nil, err
	}
	m.logger.WithSlug(snap.Slug).Infof("Creating %s snapshot completed", typ)
	return snap, nil
}

func (m *Manager) captureMetadata(snap *Snapshot, key *snapshotKey) error {
	snap.Core = CoreEntry{
		Version:  m.deps.Core.Version(),
		Settings: m.deps.Core.Settings(),
	}
	snap.Repositories = m.deps.Repositories.List()

	creds := m.deps.Registries.All()
	if len(creds) == 0 {
		return nil
	}
	snap.DockerRegistries = make(map[string]components.Credential, len(creds))
	for server, cred := range creds {
		enc, err := key.encryptString(cred.Password)
		if err != nil {
			return fmt.Errorf("encrypt registry credential: %w", err)
		}
		snap.DockerRegistries[server] = components.Credential{Username: cred.Username, Password: enc}
	}
	return nil
}

func (m *Manager) selectAddons(typ Type, requested []string) []engine.AddonInfo {
	installed := m.deps.Addons.InstalledAddons()
	if typ == TypeFull {
		return installed
	}
	bySlug := make(map[string]engine.AddonInfo, len(installed))
	for _, a := range installed {
		bySlug[a.Slug] = a
	}
	var out []engine.AddonInfo
	seen := make(map[string]bool)
	for _, slug := range requested {
		if seen[slug] {
			continue
		}
		seen[slug] = true
		a, ok := bySlug[slug]
		if !ok {
			m.logger.WithSlug(slug).Warn("Add-on not found or not installed, skipping")
			continue
		}
		out = append(out, a)
	}
	return out
}

func (m *Manager) selectFolders(typ Type, requested []string) []string {
	if typ == TypeFull {
		out := make([]string, 0, len(m.cfg.Folders))
		for name := range m.cfg.Folders {
			out = append(out, name)
		}
		sort.Strings(out)
		return out
	}
	var out []string
	seen := make(map[string]bool)
	for _, name := range requested {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := m.cfg.Folders[name]; !ok {
			m.logger.Warnf("Unknown folder %s, skipping", name)
			continue
		}
		out = append(out, name)
	}
	return out
}

// writeSnapshot stores add-ons then folders one at a time into a staging
// directory, assembles the archive and registers it.
func (m *Manager) writeSnapshot(ctx context.Context, snap *Snapshot, key *snapshotKey, addons, folders []string) error {
	st, err := newStaging(m.cfg.TmpDir, snap.Slug, key)
	if err != nil {
		return err
	}
	defer st.cleanup()
	logger := m.logger.WithSlug(snap.Slug)

	selected := m.selectAddons(snap.Type, addons)
	if len(selected) > 0 {
		logger.Infof("Storing %d add-ons", len(selected))
	}
	snap.Addons = make([]AddonEntry, 0, len(selected))
	for _, a := range selected {
		if err := ctx.Err(); err != nil {
			return err
		}
		size, err := st.add(addonMember(a.Slug), func(w io.Writer) error {
			return m.deps.Addons.BackupAddon(ctx, a.Slug, w)
		})
		if err != nil {
			return fmt.Errorf("store add-on %s: %w", a.Slug, err)
		}
		snap.Addons = append(snap.Addons, AddonEntry{Slug: a.Slug, Name: a.Name, Version: a.Version, Size: size})
	}

	names := m.selectFolders(snap.Type, folders)
	if len(names) > 0 {
		logger.Infof("Storing %d folders", len(names))
	}
	snap.Folders = make([]string, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := m.cfg.Folders[name]
		_, err := st.add(folderMember(name), func(w io.Writer) error {
			return fsutil.PackDir(w, src, fsutil.PackOptions{Level: m.cfg.Compression})
		})
		if err != nil {
			return fmt.Errorf("store folder %s: %w", name, err)
		}
		snap.Folders = append(snap.Folders, name)
	}

	if err := os.MkdirAll(m.cfg.BackupDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(m.cfg.BackupDir, snap.Slug+".tar")
	if err := st.commit(snap, dest); err != nil {
		return err
	}

	info, err := os.Stat(dest)
	if err != nil {
		return err
	}
	snap.Size = info.Size()
	snap.path = dest
	m.register(snap)
	return nil
}
