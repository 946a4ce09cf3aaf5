// Package resolution collects the problems the supervisor detects so an
// operator can act on them, and tracks reasons that make the system
// unhealthy.
package resolution

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/stores"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// UnhealthyReason names a condition that makes the system unhealthy.
type UnhealthyReason string

const (
	UnhealthyDocker     UnhealthyReason = "docker"
	UnhealthySupervisor UnhealthyReason = "supervisor"
	UnhealthySetup      UnhealthyReason = "setup"
	UnhealthyUntrusted  UnhealthyReason = "untrusted"
)

// IssueStore persists issues.
type IssueStore interface {
	CreateIssue(ctx context.Context, issue *stores.Issue) error
	ListIssues(ctx context.Context, includeDismissed bool) ([]*stores.Issue, error)
	DismissIssue(ctx context.Context, id string) error
}

// Issue is an open problem.
type Issue struct {
	ID        string              `json:"id"`
	Kind      engine.IssueKind    `json:"type"`
	Context   engine.IssueContext `json:"context"`
	Reference string              `json:"reference,omitempty"`
	CreatedAt time.Time           `json:"created"`
}

func (i Issue) key() string {
	return string(i.Kind) + "/" + string(i.Context) + "/" + i.Reference
}

// Center is the resolution center. It implements engine.IssueReporter.
type Center struct {
	store  IssueStore
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	mu        sync.RWMutex
	issues    map[string]Issue
	unhealthy map[UnhealthyReason]bool
}

// NewCenter creates a resolution center. store may be nil.
func NewCenter(store IssueStore, tel *telemetry.Telemetry) *Center {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Center{
		store:     store,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("resolution"),
		issues:    make(map[string]Issue),
		unhealthy: make(map[UnhealthyReason]bool),
	}
}

// Load reads open issues from the store.
func (c *Center) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	stored, err := c.store.ListIssues(ctx, false)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range stored {
		issue := Issue{
			ID:        s.ID,
			Kind:      engine.IssueKind(s.Kind),
			Context:   engine.IssueContext(s.Context),
			Reference: s.Reference,
			CreatedAt: s.CreatedAt,
		}
		c.issues[issue.key()] = issue
	}
	return nil
}

// CreateIssue implements engine.IssueReporter. An equal open issue is not
// created twice. Store failures are logged and the issue is kept in memory.
func (c *Center) CreateIssue(ctx context.Context, kind engine.IssueKind, area engine.IssueContext, reference string) {
	issue := Issue{
		ID:        uuid.New().String(),
		Kind:      kind,
		Context:   area,
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	if _, ok := c.issues[issue.key()]; ok {
		c.mu.Unlock()
		return
	}
	c.issues[issue.key()] = issue
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"issue":     string(kind),
		"context":   string(area),
		"reference": reference,
	}).Warn("Created new issue")
	c.tel.Metrics.RecordIssue(string(kind), string(area))

	if c.store == nil {
		return
	}
	err := c.store.CreateIssue(context.WithoutCancel(ctx), &stores.Issue{
		ID:        issue.ID,
		Kind:      string(kind),
		Context:   string(area),
		Reference: reference,
		CreatedAt: issue.CreatedAt,
	})
	if err != nil && !errors.Is(err, stores.ErrDuplicate) {
		c.logger.WithError(err).Error("Failed to persist issue")
	}
}

// Issues returns open issues, oldest first.
func (c *Center) Issues() []Issue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Issue, 0, len(c.issues))
	for _, i := range c.issues {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// HasIssue reports whether an open issue of kind exists in area.
func (c *Center) HasIssue(kind engine.IssueKind, area engine.IssueContext) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, i := range c.issues {
		if i.Kind == kind && i.Context == area {
			return true
		}
	}
	return false
}

// Dismiss closes the issue with id.
func (c *Center) Dismiss(ctx context.Context, id string) error {
	c.mu.Lock()
	found := false
	for k, i := range c.issues {
		if i.ID == id {
			delete(c.issues, k)
			found = true
			break
		}
	}
	c.mu.Unlock()

	if !found {
		return engine.NewPermanentError("issue not found", nil).
			WithResource(id).WithCode(engine.ErrCodeNotFound)
	}
	if c.store == nil {
		return nil
	}
	if err := c.store.DismissIssue(ctx, id); err != nil && !errors.Is(err, stores.ErrNotFound) {
		return err
	}
	return nil
}

// AddUnhealthy marks the system unhealthy for reason.
func (c *Center) AddUnhealthy(reason UnhealthyReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.unhealthy[reason] {
		c.logger.Errorf("System is unhealthy: %s", reason)
	}
	c.unhealthy[reason] = true
}

// Unhealthy returns the active unhealthy reasons.
func (c *Center) Unhealthy() []UnhealthyReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]UnhealthyReason, 0, len(c.unhealthy))
	for r := range c.unhealthy {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Healthy reports whether no unhealthy reason is set.
func (c *Center) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.unhealthy) == 0
}
