package components

import (
	"sort"
	"sync"

	"github.com/OpenPeerPower/supervisor/pkg/fsutil"
)

// Credential is a login for a container registry.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Registries stores container registry credentials by server.
type Registries struct {
	path string

	mu    sync.RWMutex
	creds map[string]Credential
}

// NewRegistries creates a store backed by path.
func NewRegistries(path string) *Registries {
	return &Registries{path: path, creds: make(map[string]Credential)}
}

// Load reads the stored credentials.
func (r *Registries) Load() error {
	creds := make(map[string]Credential)
	if err := fsutil.ReadJSON(r.path, &creds); err != nil {
		return err
	}
	r.mu.Lock()
	r.creds = creds
	r.mu.Unlock()
	return nil
}

// All returns a copy of every credential.
func (r *Registries) All() map[string]Credential {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Credential, len(r.creds))
	for k, v := range r.creds {
		out[k] = v
	}
	return out
}

// Set stores the credential of server.
func (r *Registries) Set(server string, cred Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[server] = cred
	return fsutil.WriteJSON(r.path, r.creds)
}

// Replace swaps the whole credential set.
func (r *Registries) Replace(creds map[string]Credential) error {
	next := make(map[string]Credential, len(creds))
	for k, v := range creds {
		next[k] = v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds = next
	return fsutil.WriteJSON(r.path, r.creds)
}

// Repositories stores the add-on repository URLs.
type Repositories struct {
	path string

	mu   sync.RWMutex
	urls []string
}

// NewRepositories creates a store backed by path.
func NewRepositories(path string) *Repositories {
	return &Repositories{path: path}
}

// Load reads the stored URLs.
func (r *Repositories) Load() error {
	var urls []string
	if err := fsutil.ReadJSON(r.path, &urls); err != nil {
		return err
	}
	r.mu.Lock()
	r.urls = urls
	r.mu.Unlock()
	return nil
}

// List returns the URLs in sorted order.
func (r *Repositories) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.urls...)
	sort.Strings(out)
	return out
}

// Update replaces the URL list, dropping duplicates.
func (r *Repositories) Update(urls []string) error {
	seen := make(map[string]bool, len(urls))
	next := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		next = append(next, u)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = next
	return fsutil.WriteJSON(r.path, r.urls)
}
