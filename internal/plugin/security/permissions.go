package security

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/stream"
)

// GrantStore persists granted permissions.
type GrantStore interface {
	AllGrantedPermissions(ctx context.Context) (map[string][]plugin.Permission, error)
	SetGrantedPermissions(ctx context.Context, id string, perms []plugin.Permission) error
}

// ManifestSource looks up the manifest of an installed plugin.
type ManifestSource interface {
	Manifest(id string) (*plugin.Manifest, bool)
}

// ResultStatus is the outcome of a permission request.
type ResultStatus int

// Request outcomes.
const (
	StatusGranted ResultStatus = iota
	StatusPending
	StatusDenied
)

// String returns a string representation of the status.
func (s ResultStatus) String() string {
	switch s {
	case StatusGranted:
		return "granted"
	case StatusPending:
		return "pending"
	case StatusDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Reasons attached to denied results.
const (
	ReasonNotDeclared  = "not declared"
	ReasonNotInstalled = "plugin not installed"
	ReasonUserDenied   = "denied by user"
)

// Result is the outcome of a permission request, grant or denial.
type Result struct {
	Status     ResultStatus
	PluginID   string
	Permission plugin.Permission
	Reason     string

	// Request is set for pending results.
	Request *Request

	// Err is set when persisting a grant failed; the grant did not happen.
	Err error
}

// Granted returns true if the permission is granted.
func (r Result) Granted() bool {
	return r.Status == StatusGranted
}

// Request is a pending request for a sensitive permission. It exists only
// until the user grants or denies it and is never persisted.
type Request struct {
	ID         string            `json:"id"`
	PluginID   string            `json:"pluginId"`
	PluginName string            `json:"pluginName"`
	Permission plugin.Permission `json:"permission"`
	Timestamp  time.Time         `json:"timestamp"`
}

// grantTable is an immutable snapshot of granted permissions.
type grantTable map[string]map[plugin.Permission]struct{}

// PermissionManager tracks granted and pending permissions per plugin.
// Mutations are serialized by mu; IsPermissionGranted reads an immutable
// snapshot without locking.
type PermissionManager struct {
	mu sync.Mutex

	store     GrantStore
	manifests ManifestSource
	grants    atomic.Pointer[grantTable]
	pending   []Request
	requests  *stream.Value[[]Request]
	logger    hclog.Logger
	now       func() time.Time
}

// PermissionOption configures a PermissionManager.
type PermissionOption func(*PermissionManager)

// WithPermissionLogger sets the logger.
func WithPermissionLogger(logger hclog.Logger) PermissionOption {
	return func(pm *PermissionManager) {
		pm.logger = logger
	}
}

// WithPermissionClock sets the clock used to timestamp requests.
func WithPermissionClock(now func() time.Time) PermissionOption {
	return func(pm *PermissionManager) {
		pm.now = now
	}
}

// NewPermissionManager creates a permission manager. Initialize must be
// called before grants are meaningful.
func NewPermissionManager(store GrantStore, manifests ManifestSource, opts ...PermissionOption) *PermissionManager {
	pm := &PermissionManager{
		store:     store,
		manifests: manifests,
		requests:  stream.NewValue[[]Request](nil),
		logger:    hclog.NewNullLogger(),
		now:       time.Now,
	}
	empty := grantTable{}
	pm.grants.Store(&empty)
	for _, opt := range opts {
		opt(pm)
	}
	return pm
}

// Initialize loads every persisted grant into the cache.
func (pm *PermissionManager) Initialize(ctx context.Context) error {
	all, err := pm.store.AllGrantedPermissions(ctx)
	if err != nil {
		return fmt.Errorf("load granted permissions: %w", err)
	}

	table := make(grantTable, len(all))
	for id, perms := range all {
		set := make(map[plugin.Permission]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		table[id] = set
	}

	pm.mu.Lock()
	pm.grants.Store(&table)
	pm.mu.Unlock()

	pm.logger.Debug("loaded granted permissions", "plugins", len(table))
	return nil
}

// IsPermissionGranted returns true if the permission is granted. It does not
// check the manifest; see Sandbox.CheckPermission for the full gate.
func (pm *PermissionManager) IsPermissionGranted(id string, p plugin.Permission) bool {
	table := *pm.grants.Load()
	_, ok := table[id][p]
	return ok
}

// GrantedPermissions returns the plugin's granted permissions, sorted.
func (pm *PermissionManager) GrantedPermissions(id string) []plugin.Permission {
	table := *pm.grants.Load()
	return sortedPermissions(table[id])
}

// RequestPermission asks for a declared permission. Undeclared permissions
// are denied; granted ones return Granted; non-sensitive ones are granted
// immediately; sensitive ones become a pending request.
func (pm *PermissionManager) RequestPermission(ctx context.Context, id string, p plugin.Permission, m *plugin.Manifest) Result {
	if m == nil || !m.HasPermission(p) {
		return Result{Status: StatusDenied, PluginID: id, Permission: p, Reason: ReasonNotDeclared}
	}
	if pm.IsPermissionGranted(id, p) {
		return Result{Status: StatusGranted, PluginID: id, Permission: p}
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.IsPermissionGranted(id, p) {
		return Result{Status: StatusGranted, PluginID: id, Permission: p}
	}

	if p.IsSensitive() {
		if req, ok := pm.findPendingLocked(id, p); ok {
			return Result{Status: StatusPending, PluginID: id, Permission: p, Request: &req}
		}
		req := Request{
			ID:         uuid.NewString(),
			PluginID:   id,
			PluginName: m.Name,
			Permission: p,
			Timestamp:  pm.now(),
		}
		pm.pending = append(pm.pending, req)
		pm.publishLocked()
		pm.logger.Info("permission approval requested", "plugin", id, "permission", p)
		return Result{Status: StatusPending, PluginID: id, Permission: p, Request: &req}
	}

	if err := pm.setGrantLocked(ctx, id, p, true); err != nil {
		return Result{Status: StatusDenied, PluginID: id, Permission: p, Reason: err.Error(), Err: err}
	}
	pm.logger.Debug("permission granted automatically", "plugin", id, "permission", p)
	return Result{Status: StatusGranted, PluginID: id, Permission: p}
}

// GrantPermission grants a declared permission and clears any matching
// pending request. Granting twice has the same effect as granting once.
func (pm *PermissionManager) GrantPermission(ctx context.Context, id string, p plugin.Permission) Result {
	m, ok := pm.manifests.Manifest(id)
	if !ok {
		return Result{Status: StatusDenied, PluginID: id, Permission: p, Reason: ReasonNotInstalled}
	}
	if !m.HasPermission(p) {
		return Result{Status: StatusDenied, PluginID: id, Permission: p, Reason: ReasonNotDeclared}
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.IsPermissionGranted(id, p) {
		if err := pm.setGrantLocked(ctx, id, p, true); err != nil {
			return Result{Status: StatusDenied, PluginID: id, Permission: p, Reason: err.Error(), Err: err}
		}
		pm.logger.Info("permission granted", "plugin", id, "permission", p)
	}
	if pm.removePendingLocked(id, p) {
		pm.publishLocked()
	}
	return Result{Status: StatusGranted, PluginID: id, Permission: p}
}

// DenyPermission clears any matching pending request. Nothing is persisted
// and existing grants are untouched.
func (pm *PermissionManager) DenyPermission(_ context.Context, id string, p plugin.Permission, reason string) Result {
	if reason == "" {
		reason = ReasonUserDenied
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.removePendingLocked(id, p) {
		pm.publishLocked()
		pm.logger.Info("permission denied", "plugin", id, "permission", p, "reason", reason)
	}
	return Result{Status: StatusDenied, PluginID: id, Permission: p, Reason: reason}
}

// RevokePermission removes a grant and persists the removal.
func (pm *PermissionManager) RevokePermission(ctx context.Context, id string, p plugin.Permission) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.IsPermissionGranted(id, p) {
		return nil
	}
	if err := pm.setGrantLocked(ctx, id, p, false); err != nil {
		return err
	}
	pm.logger.Info("permission revoked", "plugin", id, "permission", p)
	return nil
}

// RevokeAllPermissions removes every grant and pending request of a plugin.
func (pm *PermissionManager) RevokeAllPermissions(ctx context.Context, id string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if err := pm.store.SetGrantedPermissions(ctx, id, nil); err != nil {
		return fmt.Errorf("revoke permissions of %s: %w", id, err)
	}

	current := *pm.grants.Load()
	next := make(grantTable, len(current))
	for pid, set := range current {
		if pid != id {
			next[pid] = set
		}
	}
	pm.grants.Store(&next)

	kept := pm.pending[:0]
	removed := false
	for _, req := range pm.pending {
		if req.PluginID == id {
			removed = true
			continue
		}
		kept = append(kept, req)
	}
	pm.pending = kept
	if removed {
		pm.publishLocked()
	}
	return nil
}

// PendingRequests returns the pending requests in arrival order.
func (pm *PermissionManager) PendingRequests() []Request {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return append([]Request(nil), pm.pending...)
}

// PendingRequest looks up a pending request by id.
func (pm *PermissionManager) PendingRequest(requestID string) (Request, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, req := range pm.pending {
		if req.ID == requestID {
			return req, true
		}
	}
	return Request{}, false
}

// SubscribeRequests returns a subscription to the pending request list.
func (pm *PermissionManager) SubscribeRequests() *stream.Subscription[[]Request] {
	return pm.requests.Subscribe()
}

// setGrantLocked persists the plugin's grant set with p added or removed,
// then swaps in a new snapshot. On error the cache is unchanged.
func (pm *PermissionManager) setGrantLocked(ctx context.Context, id string, p plugin.Permission, grant bool) error {
	current := *pm.grants.Load()

	set := make(map[plugin.Permission]struct{}, len(current[id])+1)
	for existing := range current[id] {
		set[existing] = struct{}{}
	}
	if grant {
		set[p] = struct{}{}
	} else {
		delete(set, p)
	}

	if err := pm.store.SetGrantedPermissions(ctx, id, sortedPermissions(set)); err != nil {
		return fmt.Errorf("persist permissions of %s: %w", id, err)
	}

	next := make(grantTable, len(current)+1)
	for pid, s := range current {
		next[pid] = s
	}
	if len(set) == 0 {
		delete(next, id)
	} else {
		next[id] = set
	}
	pm.grants.Store(&next)
	return nil
}

func (pm *PermissionManager) findPendingLocked(id string, p plugin.Permission) (Request, bool) {
	for _, req := range pm.pending {
		if req.PluginID == id && req.Permission == p {
			return req, true
		}
	}
	return Request{}, false
}

func (pm *PermissionManager) removePendingLocked(id string, p plugin.Permission) bool {
	for i, req := range pm.pending {
		if req.PluginID == id && req.Permission == p {
			pm.pending = append(pm.pending[:i], pm.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (pm *PermissionManager) publishLocked() {
	pm.requests.Set(append([]Request(nil), pm.pending...))
}

func sortedPermissions(set map[plugin.Permission]struct{}) []plugin.Permission {
	perms := make([]plugin.Permission, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}
