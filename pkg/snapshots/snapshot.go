// Package snapshots creates, restores and catalogs point-in-time archives of
// the supervised system: core settings, add-on data and data folders.
//
// Every mutating operation runs as a job holding the global snapshot lock.
// While it runs the supervisor is frozen so no watchdog or maintenance task
// touches the components being archived or replaced.
package snapshots

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/components"
	"github.com/OpenPeerPower/supervisor/pkg/engine"
)

// Type distinguishes full from partial snapshots.
type Type string

const (
	TypeFull    Type = "full"
	TypePartial Type = "partial"
)

// FolderCore is the folder holding the core configuration. Restoring it
// stops the core and restores its settings as well.
const FolderCore = "openpeerpower"

// CryptoAES128 marks payload members encrypted with AES-128-CTR.
const CryptoAES128 = "aes128"

const (
	metadataMember = "snapshot.json"
	addonsDir      = "addons"
	foldersDir     = "folders"
)

// AddonEntry is an add-on stored in a snapshot.
type AddonEntry struct {
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Size    int64  `json:"size"`
}

// CoreEntry is the core state captured at snapshot time.
type CoreEntry struct {
	Version  string                  `json:"version"`
	Settings components.CoreSettings `json:"settings"`
}

// Snapshot is the metadata of one archive. It is immutable once registered.
type Snapshot struct {
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Date      string `json:"date"`
	Type      Type   `json:"type"`
	Protected bool   `json:"protected"`
	Crypto    string `json:"crypto,omitempty"`

	// Verifier proves knowledge of the password without storing the key.
	Verifier string `json:"verifier,omitempty"`

	Addons       []AddonEntry `json:"addons"`
	Folders      []string     `json:"folders"`
	Core         CoreEntry    `json:"openpeerpower"`
	Repositories []string     `json:"repositories"`

	// DockerRegistries holds registry credentials. Passwords are encrypted
	// when the snapshot is protected.
	DockerRegistries map[string]components.Credential `json:"docker_registries,omitempty"`

	// Size is the archive size in bytes, read from the file.
	Size int64 `json:"-"`

	path string
}

// Path returns the archive location.
func (s *Snapshot) Path() string {
	return s.path
}

// Time parses the snapshot date.
func (s *Snapshot) Time() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s.Date)
	return t
}

// AddonSlugs returns the slugs of the add-ons in the snapshot.
func (s *Snapshot) AddonSlugs() []string {
	slugs := make([]string, 0, len(s.Addons))
	for _, a := range s.Addons {
		slugs = append(slugs, a.Slug)
	}
	return slugs
}

// HasAddon reports whether slug is part of the snapshot.
func (s *Snapshot) HasAddon(slug string) bool {
	for _, a := range s.Addons {
		if a.Slug == slug {
			return true
		}
	}
	return false
}

// HasFolder reports whether folder is part of the snapshot.
func (s *Snapshot) HasFolder(folder string) bool {
	for _, f := range s.Folders {
		if f == folder {
			return true
		}
	}
	return false
}

// CreateSlug derives the snapshot slug from its name and creation date.
func CreateSlug(name, date string) string {
	sum := sha1.Sum([]byte(strings.ToLower(date + " - " + name)))
	return hex.EncodeToString(sum[:])[:8]
}

func addonMember(slug string) string {
	return addonsDir + "/" + slug + ".tar.gz"
}

func folderMember(name string) string {
	return foldersDir + "/" + name + ".tar.gz"
}

// Errors returned before any destructive step of a restore.
var (
	ErrPasswordInvalid = engine.NewPermanentError("invalid snapshot password", nil).WithCode(engine.ErrCodeInvalidPassword)
	ErrNotFullSnapshot = engine.NewPermanentError("snapshot is not a full snapshot", nil).WithCode(engine.ErrCodeTypeMismatch)
	ErrNotFound        = engine.NewPermanentError("snapshot not found", nil).WithCode(engine.ErrCodeNotFound)
)
