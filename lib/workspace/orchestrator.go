/*
Copyright 2024 OneClick Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package workspace implements the workspace session subsystem: the
// orchestrator that resolves which workspace a principal is operating
// in, the durable session store and the live permission change watcher.
package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/oneclick-labs/campaignbuilder/api/types"
	"github.com/oneclick-labs/campaignbuilder/lib/access"
	"github.com/oneclick-labs/campaignbuilder/lib/cache"
	"github.com/oneclick-labs/campaignbuilder/lib/defaults"
	"github.com/oneclick-labs/campaignbuilder/lib/utils"
)

// State is the orchestrator lifecycle state.
type State string

const (
	// StateUninitialized is the state before Start.
	StateUninitialized State = "uninitialized"
	// StateLoading means a workspace list load is in flight.
	StateLoading State = "loading"
	// StateReady means the workspace set is resolved, possibly empty.
	StateReady State = "ready"
	// StateError means the last load failed. Whether a retry is
	// possible is carried on the snapshot's Err.
	StateError State = "error"
)

// Snapshot is the immutable view of orchestrator state delivered to
// subscribers and returned by Snapshot. Presentation code never touches
// the cache or session store directly; all mutation is funneled through
// the orchestrator.
type Snapshot struct {
	// State is the lifecycle state.
	State State
	// CurrentWorkspace is the workspace in use, nil when none.
	CurrentWorkspace *types.Workspace
	// Workspaces is the principal's workspace list.
	Workspaces []types.Workspace
	// AvailableModules lists module names enabled in the current
	// workspace.
	AvailableModules []string
	// IsLoading reports whether a load is in flight.
	IsLoading bool
	// IsInitialized is set once the first load resolves either way.
	IsInitialized bool
	// Err is the current failure, nil outside StateError.
	Err *types.AccessError
	// Warning carries a non-fatal problem attached to StateReady, such
	// as a failed module permission load.
	Warning string
	// AttemptsLeft is the remaining retry budget, meaningful with a
	// retryable Err.
	AttemptsLeft int
	// LastUpdatedAt is the time of the last state change.
	LastUpdatedAt time.Time
}

// SwitchEvent describes a completed workspace switch.
type SwitchEvent struct {
	// Previous is the workspace switched away from, nil if none.
	Previous *types.Workspace
	// Current is the newly selected workspace, nil when cleared.
	Current *types.Workspace
	// Timestamp is the switch time.
	Timestamp time.Time
}

// Config configures an orchestrator.
type Config struct {
	// Identity resolves the authenticated principal.
	Identity types.IdentitySource
	// Backend is the workspace data collaborator.
	Backend types.Backend
	// Sessions persists the last active workspace per device.
	Sessions SessionStore
	// SecurityLog receives denied access attempts. Optional.
	SecurityLog types.SecurityLog
	// Cache is the TTL cache instance. A fresh one is created when nil,
	// so sessions never share ambient state.
	Cache *cache.Cache
	// KnownModules overrides the default module set.
	KnownModules []string
	// AuthTimeout bounds principal resolution.
	AuthTimeout time.Duration
	// LoadTimeout bounds a workspace list fetch.
	LoadTimeout time.Duration
	// ModuleLoadTimeout bounds a module permission fetch.
	ModuleLoadTimeout time.Duration
	// SafetyTimeout is the outer ceiling after which a stuck
	// initialization resolves to an empty Ready state.
	SafetyTimeout time.Duration
	// DebounceWindow coalesces rapid-fire auth change notifications.
	DebounceWindow time.Duration
	// WatcherRetryPeriod caps the permission watcher's backoff.
	WatcherRetryPeriod time.Duration
	// RetryBase, RetryMax, RetryJitter and RetryMaxAttempts set the
	// workspace load retry policy.
	RetryBase        time.Duration
	RetryMax         time.Duration
	RetryJitter      time.Duration
	RetryMaxAttempts int
	// Log is a logger.
	Log logrus.FieldLogger
	// Clock to override clock in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks parameters and sets default values.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	if cfg.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if cfg.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Cache == nil {
		c, err := cache.New(cache.Config{Clock: cfg.Clock})
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.Cache = c
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = defaults.AuthCheckTimeout
	}
	if cfg.LoadTimeout == 0 {
		cfg.LoadTimeout = defaults.WorkspaceLoadTimeout
	}
	if cfg.ModuleLoadTimeout == 0 {
		cfg.ModuleLoadTimeout = defaults.ModuleLoadTimeout
	}
	if cfg.SafetyTimeout == 0 {
		cfg.SafetyTimeout = defaults.SafetyTimeout
	}
	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = defaults.AuthDebounceWindow
	}
	if cfg.WatcherRetryPeriod == 0 {
		cfg.WatcherRetryPeriod = defaults.WatcherRetryPeriod
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = defaults.RetryBaseDelay
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = defaults.RetryMaxDelay
	}
	if cfg.RetryJitter == 0 {
		cfg.RetryJitter = defaults.RetryJitterWindow
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = defaults.RetryMaxAttempts
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger().WithField(defaults.ComponentKey, "workspace:orchestrator")
	}
	return nil
}

// Orchestrator coordinates the workspace session: it loads the
// principal's workspace list, selects and validates the current
// workspace, answers module access questions and keeps permissions live
// through change subscriptions. Exactly zero or one workspace is
// current at any instant.
type Orchestrator struct {
	Config

	resolver *access.Resolver
	retry    *utils.Exponential

	ctx    context.Context
	cancel context.CancelFunc

	loadGroup singleflight.Group

	mu            sync.Mutex
	started       bool
	state         State
	loading       bool
	initialized   bool
	gen           uint64
	principal     *types.Principal
	workspaces    []types.Workspace
	current       *types.Workspace
	modules       []string
	err           *types.AccessError
	warning       string
	lastUpdatedAt time.Time

	watchers map[string]*PermissionWatcher

	listeners       map[int]func(Snapshot)
	switchListeners map[int]func(SwitchEvent)
	nextListenerID  int

	debounceTimer   clockwork.Timer
	lastAuthID      string
	pendingAuthID   string
	haveLastAuthID  bool
	havePendingAuth bool

	safetyTimer clockwork.Timer
}

// NewOrchestrator returns an orchestrator in the uninitialized state.
// Call Start to begin loading.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	resolver, err := access.NewResolver(access.Config{
		Backend:      cfg.Backend,
		Cache:        cfg.Cache,
		SecurityLog:  cfg.SecurityLog,
		KnownModules: cfg.KnownModules,
		Log:          cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	retry, err := utils.NewExponential(utils.ExponentialConfig{
		Base:         cfg.RetryBase,
		Max:          cfg.RetryMax,
		JitterWindow: cfg.RetryJitter,
		MaxAttempts:  cfg.RetryMaxAttempts,
		Clock:        cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		Config:          cfg,
		resolver:        resolver,
		retry:           retry,
		ctx:             ctx,
		cancel:          cancel,
		state:           StateUninitialized,
		watchers:        make(map[string]*PermissionWatcher),
		listeners:       make(map[int]func(Snapshot)),
		switchListeners: make(map[int]func(SwitchEvent)),
	}, nil
}

// Start transitions to Loading and begins the initial load. It is a
// no-op after the first call. The safety timeout is armed here: if
// nothing resolves within the outer ceiling, the orchestrator settles
// into an empty Ready state rather than hanging.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	if err := o.Sessions.MigrateLegacy(); err != nil {
		o.Log.WithError(err).Warning("Failed to migrate legacy session data.")
	}
	o.safetyTimer = o.Clock.AfterFunc(o.SafetyTimeout, o.forceReady)
	o.mu.Unlock()

	go o.load(false)
}

// Close tears down watchers, timers and background work.
func (o *Orchestrator) Close() error {
	o.cancel()
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, watcher := range o.watchers {
		watcher.Close()
		delete(o.watchers, id)
	}
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
	}
	if o.safetyTimer != nil {
		o.safetyTimer.Stop()
	}
	return nil
}

// Snapshot returns the current state as an immutable view.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		State:         o.state,
		IsLoading:     o.loading,
		IsInitialized: o.initialized,
		Err:           o.err,
		Warning:       o.warning,
		AttemptsLeft:  o.retry.AttemptsLeft(),
		LastUpdatedAt: o.lastUpdatedAt,
	}
	if o.current != nil {
		w := *o.current
		s.CurrentWorkspace = &w
	}
	s.Workspaces = make([]types.Workspace, len(o.workspaces))
	copy(s.Workspaces, o.workspaces)
	s.AvailableModules = make([]string, len(o.modules))
	copy(s.AvailableModules, o.modules)
	return s
}

// Subscribe registers a listener that receives a snapshot after every
// state change. The returned function unsubscribes.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextListenerID
	o.nextListenerID++
	o.listeners[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners, id)
	}
}

// SubscribeSwitches registers a listener for workspace switch events.
// The returned function unsubscribes.
func (o *Orchestrator) SubscribeSwitches(fn func(SwitchEvent)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextListenerID
	o.nextListenerID++
	o.switchListeners[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.switchListeners, id)
	}
}

// notify delivers the current snapshot to all listeners. Must be called
// without the lock held.
func (o *Orchestrator) notify() {
	o.mu.Lock()
	snapshot := o.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(o.listeners))
	for _, fn := range o.listeners {
		listeners = append(listeners, fn)
	}
	o.mu.Unlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (o *Orchestrator) notifySwitch(event SwitchEvent) {
	o.mu.Lock()
	listeners := make([]func(SwitchEvent), 0, len(o.switchListeners))
	for _, fn := range o.switchListeners {
		listeners = append(listeners, fn)
	}
	o.mu.Unlock()
	for _, fn := range listeners {
		fn(event)
	}
}

// Refresh reloads the workspace list, bypassing the cache. A load
// already in progress suppresses the duplicate request.
func (o *Orchestrator) Refresh() {
	go o.load(true)
}

// Retry re-runs a failed load, gated by the backoff policy. The first
// retry is honored immediately beyond jitter; once the budget is spent
// the error becomes terminal and further retries are refused.
func (o *Orchestrator) Retry() error {
	o.mu.Lock()
	if o.state != StateError || o.err == nil {
		o.mu.Unlock()
		return trace.BadParameter("no failed load to retry")
	}
	if !o.err.Retryable {
		o.mu.Unlock()
		return trace.BadParameter("error is terminal, start over instead")
	}
	if o.retry.Exhausted() {
		o.err.Retryable = false
		o.mu.Unlock()
		o.notify()
		return trace.LimitExceeded("retry budget exhausted after %v attempts", o.RetryMaxAttempts)
	}
	delay := o.retry.After()
	o.mu.Unlock()

	go func() {
		select {
		case <-delay:
		case <-o.ctx.Done():
			return
		}
		o.mu.Lock()
		o.retry.Inc()
		o.mu.Unlock()
		o.load(true)
	}()
	return nil
}

// ClearError drops the current error, returning to Ready when
// initialized and Uninitialized otherwise. The retry budget is restored
// so a subsequent load starts over.
func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	if o.state != StateError {
		o.mu.Unlock()
		return
	}
	o.err = nil
	o.retry.Reset()
	if o.initialized {
		o.state = StateReady
	} else {
		o.state = StateUninitialized
	}
	o.lastUpdatedAt = o.Clock.Now()
	o.mu.Unlock()
	o.notify()
}

// HasModuleAccess reports whether the current workspace grants the
// permission on the module. Admin workspaces are granted without any
// backend call; otherwise the decision is served from cached
// permissions, falling back to the backend on a cache miss.
func (o *Orchestrator) HasModuleAccess(moduleName string, required types.Permission) bool {
	o.mu.Lock()
	actx := o.accessContextLocked()
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(o.ctx, o.ModuleLoadTimeout)
	defer cancel()
	decision, err := o.resolver.CheckAccess(ctx, actx, moduleName, required)
	if err != nil {
		o.Log.WithError(err).WithField("module", moduleName).Warning("Module access check failed.")
		return false
	}
	return decision.Granted
}

// CheckAccess exposes the full access decision for the current
// workspace context.
func (o *Orchestrator) CheckAccess(ctx context.Context, moduleName string, required types.Permission) (access.Decision, error) {
	o.mu.Lock()
	actx := o.accessContextLocked()
	o.mu.Unlock()
	return o.resolver.CheckAccess(ctx, actx, moduleName, required)
}

// MemberCount returns the member count of a workspace, cache-first.
func (o *Orchestrator) MemberCount(ctx context.Context, workspaceID string) (int, error) {
	if count, ok := o.Cache.MemberCount(workspaceID); ok {
		return count, nil
	}
	count, err := o.Backend.CountMembers(ctx, workspaceID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	o.Cache.SetMemberCount(workspaceID, count)
	return count, nil
}

func (o *Orchestrator) accessContextLocked() *types.AccessContext {
	if o.current == nil {
		return nil
	}
	actx := &types.AccessContext{
		WorkspaceID:      o.current.ID,
		IsAdminWorkspace: o.current.IsAdminWorkspace,
	}
	if o.principal != nil {
		actx.PrincipalID = o.principal.ID
	}
	return actx
}

// SetCurrentWorkspace switches the current workspace. Every cache entry
// and subscription keyed to the previous workspace is torn down before
// the new one is adopted. Passing nil clears the selection and the
// persisted session.
func (o *Orchestrator) SetCurrentWorkspace(workspace *types.Workspace) error {
	o.mu.Lock()
	previous := o.current
	if previous != nil && (workspace == nil || previous.ID != workspace.ID) {
		o.closeWatcherLocked(previous.ID)
		o.Cache.InvalidateWorkspace(previous.ID)
	}
	now := o.Clock.Now()
	o.lastUpdatedAt = now
	var saveErr error
	if workspace == nil {
		o.current = nil
		o.modules = nil
		saveErr = o.Sessions.Clear()
	} else {
		w := *workspace
		o.current = &w
		o.modules = nil
		saveErr = o.Sessions.Save(w, nil)
		gen := o.gen
		go o.loadModules(gen, w)
		o.ensureWatcherLocked(w.ID)
	}
	event := SwitchEvent{Previous: previous, Current: o.current, Timestamp: now}
	o.mu.Unlock()

	o.notifySwitch(event)
	o.notify()
	return trace.Wrap(saveErr)
}

// HandleAuthStateChange reacts to an auth provider notification for the
// principal. Rapid-fire events are coalesced within the debounce window
// and a notification for the principal that was just processed is
// dropped.
func (o *Orchestrator) HandleAuthStateChange(principalID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.haveLastAuthID && principalID == o.lastAuthID && !o.havePendingAuth {
		return
	}
	o.pendingAuthID = principalID
	o.havePendingAuth = true
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
	}
	o.debounceTimer = o.Clock.AfterFunc(o.DebounceWindow, o.fireAuthChange)
}

func (o *Orchestrator) fireAuthChange() {
	o.mu.Lock()
	if !o.havePendingAuth {
		o.mu.Unlock()
		return
	}
	o.lastAuthID = o.pendingAuthID
	o.haveLastAuthID = true
	o.havePendingAuth = false
	o.mu.Unlock()
	o.load(true)
}

// forceReady is the safety ceiling: if nothing has resolved, settle
// into an empty but usable state instead of hanging. Never surfaces as
// an error.
func (o *Orchestrator) forceReady() {
	o.mu.Lock()
	if o.initialized || (o.state != StateLoading && o.state != StateUninitialized) {
		o.mu.Unlock()
		return
	}
	o.Log.Warning("Workspace load exceeded the safety ceiling, resolving to an empty state.")
	o.gen++ // late results of the stuck load are ignored
	o.loading = false
	o.state = StateReady
	o.initialized = true
	o.workspaces = nil
	o.current = nil
	o.modules = nil
	o.err = nil
	o.lastUpdatedAt = o.Clock.Now()
	o.mu.Unlock()
	o.notify()
}

// beginLoading marks a load as in flight. Returns false when a load is
// already in progress or the orchestrator is closed, suppressing the
// duplicate.
func (o *Orchestrator) beginLoading() (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loading || o.ctx.Err() != nil {
		return 0, false
	}
	o.loading = true
	o.gen++
	o.state = StateLoading
	o.err = nil
	o.lastUpdatedAt = o.Clock.Now()
	return o.gen, true
}

// load resolves the principal and their workspace list, then settles
// the orchestrator into Ready or Error. With force unset, a cached
// workspace list is served immediately and revalidated in the
// background.
func (o *Orchestrator) load(force bool) {
	gen, ok := o.beginLoading()
	if !ok {
		return
	}
	o.notify()

	authCtx, cancel := context.WithTimeout(o.ctx, o.AuthTimeout)
	principal, err := o.Identity.CurrentPrincipal(authCtx)
	cancel()
	if err != nil {
		o.failLoad(gen, types.ClassifyAuthError(err, o.Clock.Now()))
		return
	}
	if principal == nil {
		// signed out is a valid state, not an error
		o.finishLoad(gen, nil, nil)
		return
	}

	if !force {
		if cached, ok := o.Cache.UserWorkspaces(principal.ID); ok {
			o.finishLoad(gen, principal, cached)
			// stale-while-revalidate: refresh in the background,
			// failures are logged and never surface
			go o.revalidate(principal.ID)
			return
		}
	}

	workspaces, err := o.fetchWorkspaces(principal.ID)
	if err != nil {
		o.failLoad(gen, types.ClassifyError(err, o.Clock.Now()))
		return
	}
	o.Cache.SetUserWorkspaces(principal.ID, workspaces)
	o.finishLoad(gen, principal, workspaces)
}

// fetchWorkspaces lists workspaces with a bounded timeout. Concurrent
// fetches for the same principal are collapsed into one backend call.
func (o *Orchestrator) fetchWorkspaces(principalID string) ([]types.Workspace, error) {
	result, err, _ := o.loadGroup.Do(principalID, func() (any, error) {
		ctx, cancel := context.WithTimeout(o.ctx, o.LoadTimeout)
		defer cancel()
		workspaces, err := o.Backend.ListWorkspaces(ctx, principalID)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, trace.Wrap(context.DeadlineExceeded)
			}
			return nil, trace.Wrap(err)
		}
		return workspaces, nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.([]types.Workspace), nil
}

// revalidate refreshes the cached workspace list in the background.
func (o *Orchestrator) revalidate(principalID string) {
	workspaces, err := o.fetchWorkspaces(principalID)
	if err != nil {
		o.Log.WithError(err).Debug("Background workspace refresh failed.")
		return
	}
	o.Cache.SetUserWorkspaces(principalID, workspaces)

	o.mu.Lock()
	if o.principal == nil || o.principal.ID != principalID {
		o.mu.Unlock()
		return
	}
	o.workspaces = workspaces
	// the current workspace may have been removed while we were away
	if o.current != nil && findWorkspace(workspaces, o.current.ID) == nil {
		o.closeWatcherLocked(o.current.ID)
		o.Cache.InvalidateWorkspace(o.current.ID)
		o.selectWorkspaceLocked(workspaces)
	}
	o.lastUpdatedAt = o.Clock.Now()
	o.mu.Unlock()
	o.notify()
}

// failLoad settles a failed load into StateError. Late results from an
// abandoned load are dropped by the generation check.
func (o *Orchestrator) failLoad(gen uint64, accessErr *types.AccessError) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	o.loading = false
	accessErr.RetryCount = o.retry.Attempt()
	if accessErr.Retryable && o.retry.Exhausted() {
		accessErr.Retryable = false
	}
	o.err = accessErr
	o.state = StateError
	o.lastUpdatedAt = o.Clock.Now()
	o.mu.Unlock()

	o.Log.WithField("kind", accessErr.Kind).Warning("Workspace load failed.")
	o.notify()
}

// finishLoad settles a successful load into Ready: it validates the
// persisted session against the fresh list, selects the current
// workspace and kicks off the module permission load for it.
func (o *Orchestrator) finishLoad(gen uint64, principal *types.Principal, workspaces []types.Workspace) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	if o.safetyTimer != nil {
		o.safetyTimer.Stop()
	}
	o.retry.Reset()
	o.loading = false
	o.state = StateReady
	o.initialized = true
	o.err = nil
	o.warning = ""
	o.principal = principal
	o.workspaces = workspaces
	o.lastUpdatedAt = o.Clock.Now()

	if principal == nil {
		// sign-out tears down everything keyed to the old workspace
		if o.current != nil {
			o.closeWatcherLocked(o.current.ID)
			o.Cache.InvalidateWorkspace(o.current.ID)
		}
		o.current = nil
		o.modules = nil
		if err := o.Sessions.Clear(); err != nil {
			o.Log.WithError(err).Warning("Failed to clear session on sign-out.")
		}
		o.mu.Unlock()
		o.notify()
		return
	}
	o.selectWorkspaceLocked(workspaces)
	o.mu.Unlock()
	o.notify()
}

// selectWorkspaceLocked picks the current workspace: the persisted
// session if still valid, else the admin workspace if one exists, else
// the first workspace, else none. Callers must hold the lock.
func (o *Orchestrator) selectWorkspaceLocked(workspaces []types.Workspace) {
	var current *types.Workspace
	if session, err := o.Sessions.Validate(workspaces); err == nil {
		current = findWorkspace(workspaces, session.WorkspaceID)
	} else if !trace.IsNotFound(err) {
		o.Log.WithError(err).Warning("Failed to validate persisted session.")
	}
	if current == nil {
		for i := range workspaces {
			if workspaces[i].IsAdminWorkspace {
				current = &workspaces[i]
				break
			}
		}
	}
	if current == nil && len(workspaces) > 0 {
		current = &workspaces[0]
	}

	// a reload may land on a different workspace, drop the old
	// subscription and cache entries before adopting the new one
	if o.current != nil && (current == nil || o.current.ID != current.ID) {
		o.closeWatcherLocked(o.current.ID)
		o.Cache.InvalidateWorkspace(o.current.ID)
	}

	if current == nil {
		o.current = nil
		o.modules = nil
		if err := o.Sessions.Clear(); err != nil {
			o.Log.WithError(err).Warning("Failed to clear session.")
		}
		return
	}

	w := *current
	o.current = &w
	o.modules = nil
	if err := o.Sessions.Save(w, nil); err != nil {
		o.Log.WithError(err).Warning("Failed to persist session.")
	}
	gen := o.gen
	go o.loadModules(gen, w)
	o.ensureWatcherLocked(w.ID)
}

// loadModules fetches the module list for the workspace. A failure here
// never reverts the orchestrator to an error state; it is downgraded to
// a warning attached to Ready so the user is never blocked, only
// informed.
func (o *Orchestrator) loadModules(gen uint64, workspace types.Workspace) {
	ctx, cancel := context.WithTimeout(o.ctx, o.ModuleLoadTimeout)
	defer cancel()

	actx := &types.AccessContext{
		WorkspaceID:      workspace.ID,
		IsAdminWorkspace: workspace.IsAdminWorkspace,
	}
	modules, err := o.resolver.AvailableModules(ctx, actx)

	o.mu.Lock()
	if gen != o.gen || o.current == nil || o.current.ID != workspace.ID {
		o.mu.Unlock()
		return
	}
	if err != nil {
		o.warning = "some features may be temporarily unavailable"
		o.lastUpdatedAt = o.Clock.Now()
		o.mu.Unlock()
		o.Log.WithError(err).WithField("workspace", workspace.ID).Warning("Module permission load failed.")
		o.notify()
		return
	}
	o.modules = modules
	o.warning = ""
	o.lastUpdatedAt = o.Clock.Now()
	// persist under the lock so a concurrent switch cannot interleave
	// between the current-workspace check and the save
	if err := o.Sessions.Save(workspace, modules); err != nil {
		o.Log.WithError(err).Warning("Failed to persist session modules.")
	}
	o.mu.Unlock()
	o.notify()
}

// ensureWatcherLocked establishes the permission watcher for the
// workspace, tearing down any previous watcher for the same id first so
// exactly one subscription exists per workspace. Callers must hold the
// lock.
func (o *Orchestrator) ensureWatcherLocked(workspaceID string) {
	o.closeWatcherLocked(workspaceID)
	watcher, err := NewPermissionWatcher(PermissionWatcherConfig{
		ParentContext: o.ctx,
		WorkspaceID:   workspaceID,
		Backend:       o.Backend,
		Cache:         o.Cache,
		OnUpdate:      func(permissions []types.ModulePermission) { o.onPermissionsChanged(workspaceID, permissions) },
		RetryPeriod:   o.WatcherRetryPeriod,
		FetchTimeout:  o.ModuleLoadTimeout,
		Log:           o.Log,
		Clock:         o.Clock,
	})
	if err != nil {
		o.Log.WithError(err).WithField("workspace", workspaceID).Warning("Failed to start permission watcher.")
		return
	}
	o.watchers[workspaceID] = watcher
}

func (o *Orchestrator) closeWatcherLocked(workspaceID string) {
	if watcher, ok := o.watchers[workspaceID]; ok {
		watcher.Close()
		delete(o.watchers, workspaceID)
	}
}

// onPermissionsChanged receives the refreshed permission set pushed by
// the watcher and recomputes the module list without any client
// initiated refresh.
func (o *Orchestrator) onPermissionsChanged(workspaceID string, permissions []types.ModulePermission) {
	o.mu.Lock()
	if o.current == nil || o.current.ID != workspaceID {
		o.mu.Unlock()
		return
	}
	if o.current.IsAdminWorkspace {
		o.mu.Unlock()
		return
	}
	var modules []string
	for _, row := range permissions {
		if row.Enabled {
			modules = append(modules, row.ModuleName)
		}
	}
	o.modules = modules
	o.lastUpdatedAt = o.Clock.Now()
	o.mu.Unlock()
	o.notify()
}

func findWorkspace(workspaces []types.Workspace, id string) *types.Workspace {
	for i := range workspaces {
		if workspaces[i].ID == id {
			return &workspaces[i]
		}
	}
	return nil
}
