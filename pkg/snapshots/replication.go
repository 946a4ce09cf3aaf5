package snapshots

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/stores"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
	"github.com/OpenPeerPower/supervisor/pkg/transports/ssh"
)

// ReplicationStore remembers which snapshots reached which target.
type ReplicationStore interface {
	MarkReplicated(ctx context.Context, rep *stores.Replication) error
	IsReplicated(ctx context.Context, slug, target string) (bool, error)
	ListReplications(ctx context.Context, target string) ([]*stores.Replication, error)
	DeleteReplication(ctx context.Context, slug, target string) error
}

// Replicator copies snapshot archives to an off-site SFTP target and
// removes remote copies of snapshots deleted locally.
type Replicator struct {
	manager   *Manager
	transport ssh.Transport
	store     ReplicationStore
	target    string
	remoteDir string
	logger    *telemetry.Logger
}

// NewReplicator creates a replicator uploading into remoteDir of target.
func NewReplicator(manager *Manager, transport ssh.Transport, store ReplicationStore, target, remoteDir string) *Replicator {
	return &Replicator{
		manager:   manager,
		transport: transport,
		store:     store,
		target:    target,
		remoteDir: remoteDir,
		logger:    manager.logger.WithField("target", target),
	}
}

// Run performs one replication pass. A failed upload does not stop the
// pass; all failures are returned together.
func (r *Replicator) Run(ctx context.Context) error {
	if err := r.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", r.target, err)
	}
	defer func() {
		if err := r.transport.Disconnect(); err != nil {
			r.logger.WithError(err).Debug("Disconnect failed")
		}
	}()

	var errs []error
	uploaded := 0
	local := make(map[string]bool)
	for _, snap := range r.manager.List() {
		local[snap.Slug] = true
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := r.store.IsReplicated(ctx, snap.Slug, r.target)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if done {
			continue
		}
		if err := r.upload(ctx, snap); err != nil {
			r.logger.WithSlug(snap.Slug).WithError(err).Warn("Snapshot replication failed")
			errs = append(errs, err)
			continue
		}
		uploaded++
	}

	reps, err := r.store.ListReplications(ctx, r.target)
	if err != nil {
		errs = append(errs, err)
	}
	pruned := 0
	for _, rep := range reps {
		if local[rep.Slug] {
			continue
		}
		if err := r.transport.RemoveFile(ctx, rep.RemotePath); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.store.DeleteReplication(ctx, rep.Slug, r.target); err != nil {
			errs = append(errs, err)
			continue
		}
		pruned++
	}

	if uploaded > 0 || pruned > 0 {
		r.logger.Infof("Replication pass uploaded %d and pruned %d snapshots", uploaded, pruned)
	}
	return errors.Join(errs...)
}

func (r *Replicator) upload(ctx context.Context, snap *Snapshot) error {
	remote := path.Join(r.remoteDir, snap.Slug+".tar")
	result, err := r.transport.UploadFile(ctx, snap.Path(), remote)
	if err != nil {
		return fmt.Errorf("upload %s: %w", snap.Slug, err)
	}
	r.logger.WithSlug(snap.Slug).Debugf("Uploaded snapshot, sha256 %s", result.Checksum)
	return r.store.MarkReplicated(ctx, &stores.Replication{
		Slug:       snap.Slug,
		Target:     r.target,
		RemotePath: remote,
		Size:       result.BytesTransferred,
		UploadedAt: time.Now().UTC(),
	})
}
