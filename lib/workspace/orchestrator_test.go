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

package workspace

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/oneclick-labs/campaignbuilder/api/types"
	"github.com/oneclick-labs/campaignbuilder/lib/access"
	"github.com/oneclick-labs/campaignbuilder/lib/cache"
)

// startOrchestrator builds and starts an orchestrator with test-friendly
// defaults, returning it with a channel of state snapshots.
func startOrchestrator(t *testing.T, cfg Config) (*Orchestrator, chan Snapshot) {
	t.Helper()
	if cfg.Sessions == nil {
		cfg.Sessions = NewMemSessionStore()
	}
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { orch.Close() })

	snapshots := make(chan Snapshot, 256)
	orch.Subscribe(func(s Snapshot) { snapshots <- s })
	orch.Start()
	return orch, snapshots
}

func isReady(s Snapshot) bool {
	return s.State == StateReady && !s.IsLoading
}

func isError(s Snapshot) bool {
	return s.State == StateError && s.Err != nil
}

func TestOrchestratorAdminWorkspacePreferred(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1", Email: "u1@example.com"}}
	backend := &fakeBackend{}
	backend.setWorkspaces([]types.Workspace{
		{ID: "ws1", Name: "Regular", OwnerID: "u1"},
		{ID: "admin", Name: "Admin", OwnerID: "u1", IsAdminWorkspace: true},
	})
	sessions := NewMemSessionStore()
	orch, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend, Sessions: sessions})

	s := awaitSnapshot(t, snapshots, "ready with all modules", func(s Snapshot) bool {
		return isReady(s) && s.CurrentWorkspace != nil && len(s.AvailableModules) == len(access.KnownModules)
	})
	require.Equal(t, "admin", s.CurrentWorkspace.ID)
	require.True(t, s.IsInitialized)
	require.Nil(t, s.Err)

	// admin workspaces never consult the backend for permissions
	require.Zero(t, backend.permCallCount())
	require.True(t, orch.HasModuleAccess(access.ModuleBilling, types.PermissionWrite))
	require.True(t, orch.HasModuleAccess(access.ModuleForms, types.PermissionDelete))

	// the selection is persisted for the next session
	session, err := sessions.Load()
	require.NoError(t, err)
	require.Equal(t, "admin", session.WorkspaceID)
}

func TestOrchestratorSessionRestored(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{}
	backend.setWorkspaces([]types.Workspace{
		{ID: "ws1", Name: "First", OwnerID: "u1"},
		{ID: "ws2", Name: "Second", OwnerID: "u1"},
	})
	sessions := NewMemSessionStore()
	require.NoError(t, sessions.Save(types.Workspace{ID: "ws2", Name: "Second"}, nil))

	_, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend, Sessions: sessions})
	s := awaitSnapshot(t, snapshots, "ready", func(s Snapshot) bool {
		return isReady(s) && s.CurrentWorkspace != nil
	})
	require.Equal(t, "ws2", s.CurrentWorkspace.ID)
}

func TestOrchestratorStaleSessionDiscarded(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{}
	backend.setWorkspaces([]types.Workspace{
		{ID: "ws1", Name: "First", OwnerID: "u1"},
		{ID: "ws2", Name: "Second", OwnerID: "u1"},
	})
	sessions := NewMemSessionStore()
	require.NoError(t, sessions.Save(types.Workspace{ID: "deleted", Name: "Gone"}, nil))

	_, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend, Sessions: sessions})
	s := awaitSnapshot(t, snapshots, "ready", func(s Snapshot) bool {
		return isReady(s) && s.CurrentWorkspace != nil
	})
	// no admin workspace exists, so the first one wins
	require.Equal(t, "ws1", s.CurrentWorkspace.ID)

	session, err := sessions.Load()
	require.NoError(t, err)
	require.Equal(t, "ws1", session.WorkspaceID)
}

func TestOrchestratorSignedOut(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{}
	backend := &fakeBackend{}
	_, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend})

	s := awaitSnapshot(t, snapshots, "ready signed out", isReady)
	require.Empty(t, s.Workspaces)
	require.Nil(t, s.CurrentWorkspace)
	require.Nil(t, s.Err)
	require.True(t, s.IsInitialized)
	require.Zero(t, backend.listCallCount())
}

func TestOrchestratorNetworkFailureAndRetry(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{}
	backend.setListErr(trace.ConnectionProblem(nil, "backend is down"))

	orch, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend})
	s := awaitSnapshot(t, snapshots, "error", isError)
	require.Equal(t, types.KindNetwork, s.Err.Kind)
	require.True(t, s.Err.Retryable)
	require.Equal(t, 3, s.AttemptsLeft)

	// the backend recovers, the first retry is honored immediately
	backend.setListErr(nil)
	backend.setWorkspaces([]types.Workspace{{ID: "ws1", Name: "First", OwnerID: "u1"}})
	require.NoError(t, orch.Retry())

	s = awaitSnapshot(t, snapshots, "ready after retry", func(s Snapshot) bool {
		return isReady(s) && len(s.Workspaces) == 1
	})
	require.Nil(t, s.Err)
}

func TestOrchestratorRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{}
	backend.setListErr(trace.ConnectionProblem(nil, "backend is down"))

	orch, snapshots := startOrchestrator(t, Config{
		Identity:         identity,
		Backend:          backend,
		RetryBase:        time.Millisecond,
		RetryMax:         4 * time.Millisecond,
		RetryJitter:      time.Nanosecond,
		RetryMaxAttempts: 3,
	})

	awaitSnapshot(t, snapshots, "initial failure", func(s Snapshot) bool {
		return isError(s) && s.Err.RetryCount == 0
	})
	for i := 1; i <= 3; i++ {
		require.NoError(t, orch.Retry())
		awaitSnapshot(t, snapshots, "retry failure", func(s Snapshot) bool {
			return isError(s) && s.Err.RetryCount == i
		})
	}

	s := orch.Snapshot()
	require.False(t, s.Err.Retryable, "the error must turn terminal once the budget is spent")
	require.Zero(t, s.AttemptsLeft)
	require.Error(t, orch.Retry())
}

func TestOrchestratorLoadTimeout(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{listBlock: true}
	_, snapshots := startOrchestrator(t, Config{
		Identity:    identity,
		Backend:     backend,
		LoadTimeout: 20 * time.Millisecond,
	})

	s := awaitSnapshot(t, snapshots, "timeout error", isError)
	require.Equal(t, types.KindTimeout, s.Err.Kind)
	require.True(t, s.Err.Retryable)
}

func TestOrchestratorAuthFailureTerminal(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{err: trace.AccessDenied("token expired")}
	backend := &fakeBackend{}
	orch, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend})

	s := awaitSnapshot(t, snapshots, "auth error", isError)
	require.Equal(t, types.KindAuth, s.Err.Kind)
	require.False(t, s.Err.Retryable)
	require.Error(t, orch.Retry())
}

func TestOrchestratorSafetyTimeout(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{block: true}
	backend := &fakeBackend{}
	_, snapshots := startOrchestrator(t, Config{
		Identity:      identity,
		Backend:       backend,
		SafetyTimeout: 30 * time.Millisecond,
	})

	s := awaitSnapshot(t, snapshots, "forced ready", isReady)
	require.True(t, s.IsInitialized)
	require.Empty(t, s.Workspaces)
	require.Nil(t, s.Err, "the safety ceiling must never surface as an error")
}

func TestOrchestratorCachedListServed(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{}
	backend.setListErr(trace.ConnectionProblem(nil, "backend is down"))

	c, err := cache.New(cache.Config{})
	require.NoError(t, err)
	c.SetUserWorkspaces("u1", []types.Workspace{{ID: "ws1", Name: "Cached", OwnerID: "u1"}})

	_, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend, Cache: c})
	s := awaitSnapshot(t, snapshots, "ready from cache", func(s Snapshot) bool {
		return isReady(s) && len(s.Workspaces) == 1
	})
	require.Equal(t, "Cached", s.Workspaces[0].Name)
	require.Nil(t, s.Err, "the failed background revalidation must stay invisible")
}

func TestOrchestratorModuleLoadWarning(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{permErr: trace.ConnectionProblem(nil, "backend is down")}
	backend.setWorkspaces([]types.Workspace{{ID: "ws1", Name: "First", OwnerID: "u1"}})

	_, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend})
	s := awaitSnapshot(t, snapshots, "ready with warning", func(s Snapshot) bool {
		return isReady(s) && s.Warning != ""
	})
	// a failed module load degrades to a warning, never to an error
	require.Equal(t, StateReady, s.State)
	require.Nil(t, s.Err)
}

func TestOrchestratorSwitchWorkspace(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{}
	ws1 := types.Workspace{ID: "ws1", Name: "First", OwnerID: "u1"}
	ws2 := types.Workspace{ID: "ws2", Name: "Second", OwnerID: "u1"}
	backend.setWorkspaces([]types.Workspace{ws1, ws2})
	backend.setPermissions("ws1", []types.ModulePermission{
		{WorkspaceID: "ws1", ModuleName: access.ModuleForms, Enabled: true, Permissions: types.Permissions{types.PermissionRead}},
	})
	backend.setPermissions("ws2", []types.ModulePermission{
		{WorkspaceID: "ws2", ModuleName: access.ModuleBilling, Enabled: true, Permissions: types.Permissions{types.PermissionRead}},
		{WorkspaceID: "ws2", ModuleName: access.ModuleAnalytics, Enabled: true, Permissions: types.Permissions{types.PermissionRead}},
	})

	c, err := cache.New(cache.Config{})
	require.NoError(t, err)
	sessions := NewMemSessionStore()
	orch, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend, Sessions: sessions, Cache: c})

	awaitSnapshot(t, snapshots, "ready on first workspace", func(s Snapshot) bool {
		return isReady(s) && s.CurrentWorkspace != nil && slices.Contains(s.AvailableModules, access.ModuleForms)
	})

	switches := make(chan SwitchEvent, 16)
	orch.SubscribeSwitches(func(e SwitchEvent) { switches <- e })

	require.NoError(t, orch.SetCurrentWorkspace(&ws2))

	select {
	case e := <-switches:
		require.Equal(t, "ws1", e.Previous.ID)
		require.Equal(t, "ws2", e.Current.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for switch event")
	}

	awaitSnapshot(t, snapshots, "modules of the new workspace", func(s Snapshot) bool {
		return s.CurrentWorkspace != nil && s.CurrentWorkspace.ID == "ws2" &&
			slices.Contains(s.AvailableModules, access.ModuleBilling)
	})

	// state of the previous workspace does not leak into the new one
	_, ok := c.ModulePermissions("ws1")
	require.False(t, ok, "cached permissions of the previous workspace must be dropped")
	require.False(t, orch.HasModuleAccess(access.ModuleForms, types.PermissionRead))
	require.True(t, orch.HasModuleAccess(access.ModuleBilling, types.PermissionRead))

	session, err := sessions.Load()
	require.NoError(t, err)
	require.Equal(t, "ws2", session.WorkspaceID)
}

func TestOrchestratorClearSelection(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{}
	backend.setWorkspaces([]types.Workspace{{ID: "ws1", Name: "First", OwnerID: "u1"}})
	sessions := NewMemSessionStore()
	orch, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend, Sessions: sessions})

	awaitSnapshot(t, snapshots, "ready", func(s Snapshot) bool {
		return isReady(s) && s.CurrentWorkspace != nil
	})

	require.NoError(t, orch.SetCurrentWorkspace(nil))
	s := awaitSnapshot(t, snapshots, "selection cleared", func(s Snapshot) bool {
		return s.CurrentWorkspace == nil
	})
	require.Empty(t, s.AvailableModules)

	_, err := sessions.Load()
	require.True(t, trace.IsNotFound(err))
	require.False(t, orch.HasModuleAccess(access.ModuleForms, types.PermissionRead))
}

func TestOrchestratorPermissionChangePush(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{}
	backend.setWorkspaces([]types.Workspace{{ID: "ws1", Name: "First", OwnerID: "u1"}})
	backend.setPermissions("ws1", []types.ModulePermission{
		{WorkspaceID: "ws1", ModuleName: access.ModuleForms, Enabled: true, Permissions: types.Permissions{types.PermissionRead}},
	})

	orch, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend})
	awaitSnapshot(t, snapshots, "ready", func(s Snapshot) bool {
		return isReady(s) && slices.Contains(s.AvailableModules, access.ModuleForms)
	})
	require.False(t, orch.HasModuleAccess(access.ModuleBilling, types.PermissionRead))
	require.Eventually(t, func() bool { return backend.subscriptionCount() > 0 },
		5*time.Second, time.Millisecond)

	// an administrator enables another module elsewhere
	backend.setPermissions("ws1", []types.ModulePermission{
		{WorkspaceID: "ws1", ModuleName: access.ModuleForms, Enabled: true, Permissions: types.Permissions{types.PermissionRead}},
		{WorkspaceID: "ws1", ModuleName: access.ModuleBilling, Enabled: true, Permissions: types.Permissions{types.PermissionRead}},
	})
	backend.lastSubscription().push(types.ChangeEvent{
		Type:        types.OpPut,
		WorkspaceID: "ws1",
		ModuleName:  access.ModuleBilling,
	})

	// the change arrives without any client initiated refresh
	awaitSnapshot(t, snapshots, "pushed module update", func(s Snapshot) bool {
		return slices.Contains(s.AvailableModules, access.ModuleBilling)
	})
	require.True(t, orch.HasModuleAccess(access.ModuleBilling, types.PermissionRead))
}

func TestOrchestratorRefresh(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{}
	backend.setWorkspaces([]types.Workspace{{ID: "ws1", Name: "First", OwnerID: "u1"}})
	orch, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend})

	awaitSnapshot(t, snapshots, "ready", func(s Snapshot) bool {
		return isReady(s) && len(s.Workspaces) == 1
	})

	backend.setWorkspaces([]types.Workspace{
		{ID: "ws1", Name: "First", OwnerID: "u1"},
		{ID: "ws2", Name: "Second", OwnerID: "u1"},
	})
	orch.Refresh()
	awaitSnapshot(t, snapshots, "refreshed list", func(s Snapshot) bool {
		return isReady(s) && len(s.Workspaces) == 2
	})
}

func TestOrchestratorAuthChangeDebounce(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{}
	backend.setWorkspaces([]types.Workspace{{ID: "ws1", Name: "First", OwnerID: "u1"}})
	orch, snapshots := startOrchestrator(t, Config{
		Identity:       identity,
		Backend:        backend,
		DebounceWindow: 20 * time.Millisecond,
	})

	awaitSnapshot(t, snapshots, "ready", isReady)
	require.Equal(t, 1, backend.listCallCount())

	// a burst of notifications collapses into one reload
	orch.HandleAuthStateChange("u1")
	orch.HandleAuthStateChange("u1")
	orch.HandleAuthStateChange("u1")
	require.Eventually(t, func() bool { return backend.listCallCount() == 2 },
		5*time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 2, backend.listCallCount())

	// a repeat notification for the principal just processed is dropped
	orch.HandleAuthStateChange("u1")
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 2, backend.listCallCount())
}

func TestOrchestratorClearError(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{}
	backend.setListErr(trace.ConnectionProblem(nil, "backend is down"))
	orch, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend})

	awaitSnapshot(t, snapshots, "error", isError)
	orch.ClearError()

	s := awaitSnapshot(t, snapshots, "error cleared", func(s Snapshot) bool {
		return s.Err == nil && s.State != StateError
	})
	require.Equal(t, StateUninitialized, s.State)
	require.Equal(t, 3, s.AttemptsLeft, "clearing the error restores the retry budget")
}

func TestOrchestratorSignOutTearsDown(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{}
	backend.setWorkspaces([]types.Workspace{{ID: "ws1", Name: "First", OwnerID: "u1"}})
	backend.setPermissions("ws1", []types.ModulePermission{
		{WorkspaceID: "ws1", ModuleName: access.ModuleForms, Enabled: true, Permissions: types.Permissions{types.PermissionRead}},
	})
	c, err := cache.New(cache.Config{})
	require.NoError(t, err)
	sessions := NewMemSessionStore()
	orch, snapshots := startOrchestrator(t, Config{
		Identity:       identity,
		Backend:        backend,
		Sessions:       sessions,
		Cache:          c,
		DebounceWindow: 10 * time.Millisecond,
	})

	awaitSnapshot(t, snapshots, "ready on first workspace", func(s Snapshot) bool {
		return isReady(s) && s.CurrentWorkspace != nil && slices.Contains(s.AvailableModules, access.ModuleForms)
	})
	require.Eventually(t, func() bool { return backend.subscriptionCount() > 0 },
		5*time.Second, time.Millisecond)

	identity.setPrincipal(nil)
	orch.HandleAuthStateChange("")

	s := awaitSnapshot(t, snapshots, "signed out", func(s Snapshot) bool {
		return isReady(s) && s.CurrentWorkspace == nil
	})
	require.Empty(t, s.Workspaces)
	require.Empty(t, s.AvailableModules)

	// the persisted session is cleared on sign-out
	_, err = sessions.Load()
	require.True(t, trace.IsNotFound(err))

	// nothing keyed to the old workspace remains
	_, ok := c.ModulePermissions("ws1")
	require.False(t, ok)

	// the old subscription is dead: a change event no longer refetches
	time.Sleep(50 * time.Millisecond)
	calls := backend.permCallCount()
	backend.lastSubscription().push(types.ChangeEvent{
		Type:        types.OpPut,
		WorkspaceID: "ws1",
		ModuleName:  access.ModuleForms,
	})
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, calls, backend.permCallCount())
}

func TestOrchestratorSessionFollowsSwitch(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{}
	ws2 := types.Workspace{ID: "ws2", Name: "Second", OwnerID: "u1"}
	backend.setWorkspaces([]types.Workspace{
		{ID: "ws1", Name: "First", OwnerID: "u1"},
		ws2,
	})
	backend.setPermissions("ws1", []types.ModulePermission{
		{WorkspaceID: "ws1", ModuleName: access.ModuleForms, Enabled: true, Permissions: types.Permissions{types.PermissionRead}},
	})
	backend.setPermissions("ws2", []types.ModulePermission{
		{WorkspaceID: "ws2", ModuleName: access.ModuleBilling, Enabled: true, Permissions: types.Permissions{types.PermissionRead}},
	})
	sessions := NewMemSessionStore()
	orch, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend, Sessions: sessions})

	awaitSnapshot(t, snapshots, "ready on first workspace", func(s Snapshot) bool {
		return isReady(s) && s.CurrentWorkspace != nil && s.CurrentWorkspace.ID == "ws1"
	})
	require.NoError(t, orch.SetCurrentWorkspace(&ws2))

	awaitSnapshot(t, snapshots, "modules of the new workspace", func(s Snapshot) bool {
		return s.CurrentWorkspace != nil && s.CurrentWorkspace.ID == "ws2" &&
			slices.Contains(s.AvailableModules, access.ModuleBilling)
	})

	// the durable pointer tracks the switch and stays put once the
	// module loads settle
	time.Sleep(100 * time.Millisecond)
	session, err := sessions.Load()
	require.NoError(t, err)
	require.Equal(t, "ws2", session.WorkspaceID)
	require.Contains(t, session.Modules, access.ModuleBilling)
}

func TestOrchestratorMemberCount(t *testing.T) {
	t.Parallel()

	identity := &fakeIdentity{principal: &types.Principal{ID: "u1"}}
	backend := &fakeBackend{}
	backend.setWorkspaces([]types.Workspace{{ID: "ws1", Name: "First", OwnerID: "u1"}})
	backend.setMembers("ws1", 4)
	orch, snapshots := startOrchestrator(t, Config{Identity: identity, Backend: backend})
	awaitSnapshot(t, snapshots, "ready", isReady)

	count, err := orch.MemberCount(context.Background(), "ws1")
	require.NoError(t, err)
	require.Equal(t, 4, count)

	// the second read is served from cache
	backend.setMembers("ws1", 9)
	count, err = orch.MemberCount(context.Background(), "ws1")
	require.NoError(t, err)
	require.Equal(t, 4, count)
}
