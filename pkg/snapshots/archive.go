package snapshots

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/fsutil"
)

// maxMetadataSize bounds the metadata member read from untrusted archives.
const maxMetadataSize = 4 << 20

// staging collects the payload members of a new archive on disk until the
// archive is assembled.
type staging struct {
	dir     string
	key     *snapshotKey
	members []string
}

func newStaging(tmpRoot, slug string, key *snapshotKey) (*staging, error) {
	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(tmpRoot, "snapshot-"+slug+"-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &staging{dir: dir, key: key}, nil
}

// add writes member name through fill, encrypted when the staging has a
// key, and returns the stored size.
func (s *staging) add(name string, fill func(w io.Writer) error) (int64, error) {
	path := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	w, err := s.key.encryptWriter(f)
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := fill(w); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	s.members = append(s.members, name)
	return info.Size(), nil
}

// commit assembles the archive at dest. The archive is written to a
// temporary file in the same directory, fsynced and renamed into place, so
// dest either does not exist or is complete.
func (s *staging) commit(meta *Snapshot, dest string) (err error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	tw := tar.NewWriter(tmp)
	now := time.Now()
	if err = tw.WriteHeader(&tar.Header{Name: metadataMember, Mode: 0o600, Size: int64(len(data)), ModTime: now}); err != nil {
		return err
	}
	if _, err = tw.Write(data); err != nil {
		return err
	}
	for _, name := range s.members {
		if err = s.copyMember(tw, name, now); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
	}
	if err = tw.Close(); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("fsync archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return fsutil.RenameAndSync(tmp.Name(), dest)
}

func (s *staging) copyMember(tw *tar.Writer, name string, mtime time.Time) error {
	f, err := os.Open(filepath.Join(s.dir, filepath.FromSlash(name)))
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o600, Size: info.Size(), ModTime: mtime}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func (s *staging) cleanup() {
	_ = os.RemoveAll(s.dir)
}

// readMetadata loads the metadata of the archive at path.
func readMetadata(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: no %s member", filepath.Base(path), metadataMember)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if hdr.Name != metadataMember {
			continue
		}

		var snap Snapshot
		if err := json.NewDecoder(io.LimitReader(tr, maxMetadataSize)).Decode(&snap); err != nil {
			return nil, fmt.Errorf("%s: parse metadata: %w", filepath.Base(path), err)
		}
		if err := snap.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		snap.Size = info.Size()
		snap.path = path
		return &snap, nil
	}
}

func (s *Snapshot) validate() error {
	if len(s.Slug) != 8 {
		return fmt.Errorf("invalid slug %q", s.Slug)
	}
	if s.Type != TypeFull && s.Type != TypePartial {
		return fmt.Errorf("invalid type %q", s.Type)
	}
	if s.Protected && (s.Crypto != CryptoAES128 || s.Verifier == "") {
		return fmt.Errorf("protected snapshot without key verifier")
	}
	return nil
}

// unpacked is an archive extracted for restore.
type unpacked struct {
	dir string
	key *snapshotKey
}

func unpack(snap *Snapshot, tmpRoot string, key *snapshotKey) (*unpacked, error) {
	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(tmpRoot, "restore-"+snap.Slug+"-")
	if err != nil {
		return nil, err
	}
	f, err := os.Open(snap.path)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	defer f.Close()
	if err := fsutil.UnpackDir(f, dir); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("extract %s: %w", snap.Slug, err)
	}
	return &unpacked{dir: dir, key: key}, nil
}

// open returns the decrypted content of member name.
func (u *unpacked) open(name string, fn func(r io.Reader) error) error {
	f, err := os.Open(filepath.Join(u.dir, filepath.FromSlash(name)))
	if err != nil {
		return err
	}
	defer f.Close()
	r, err := u.key.decryptReader(f)
	if err != nil {
		return err
	}
	return fn(r)
}

func (u *unpacked) cleanup() {
	_ = os.RemoveAll(u.dir)
}
