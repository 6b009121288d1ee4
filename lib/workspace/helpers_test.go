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
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"

	"github.com/oneclick-labs/campaignbuilder/api/types"
)

type fakeIdentity struct {
	mu        sync.Mutex
	principal *types.Principal
	err       error
	block     bool
}

func (f *fakeIdentity) setPrincipal(principal *types.Principal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.principal = principal
}

func (f *fakeIdentity) CurrentPrincipal(ctx context.Context) (*types.Principal, error) {
	f.mu.Lock()
	principal, err, block := f.principal, f.err, f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, trace.Wrap(ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	if principal == nil {
		return nil, nil
	}
	p := *principal
	return &p, nil
}

type fakeSubscription struct {
	workspaceID string
	events      chan types.ChangeEvent

	mu     sync.Mutex
	done   chan struct{}
	err    error
	closed bool
}

func newFakeSubscription(workspaceID string) *fakeSubscription {
	return &fakeSubscription{
		workspaceID: workspaceID,
		events:      make(chan types.ChangeEvent, 16),
		done:        make(chan struct{}),
	}
}

func (s *fakeSubscription) Events() <-chan types.ChangeEvent { return s.events }
func (s *fakeSubscription) Done() <-chan struct{}            { return s.done }

func (s *fakeSubscription) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSubscription) Close() error {
	s.fail(nil)
	return nil
}

// fail terminates the subscription with the given error.
func (s *fakeSubscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

func (s *fakeSubscription) push(event types.ChangeEvent) {
	s.events <- event
}

type fakeBackend struct {
	mu          sync.Mutex
	workspaces  []types.Workspace
	permissions map[string][]types.ModulePermission
	members     map[string]int

	listErr error
	permErr error
	// listBlock makes ListWorkspaces hang until the context is done.
	listBlock bool

	listCalls int
	permCalls int
	subs      []*fakeSubscription
}

func (b *fakeBackend) ListWorkspaces(ctx context.Context, principalID string) ([]types.Workspace, error) {
	b.mu.Lock()
	b.listCalls++
	err, block := b.listErr, b.listBlock
	workspaces := append([]types.Workspace(nil), b.workspaces...)
	b.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, trace.Wrap(ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	return workspaces, nil
}

func (b *fakeBackend) GetModulePermissions(ctx context.Context, workspaceID string) ([]types.ModulePermission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.permCalls++
	if b.permErr != nil {
		return nil, b.permErr
	}
	return append([]types.ModulePermission(nil), b.permissions[workspaceID]...), nil
}

func (b *fakeBackend) UpsertModulePermission(ctx context.Context, update types.ModulePermissionUpdate) (*types.ModulePermission, error) {
	return nil, trace.NotImplemented("not used in this test")
}

func (b *fakeBackend) CountMembers(ctx context.Context, workspaceID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	count, ok := b.members[workspaceID]
	if !ok {
		return 0, trace.NotFound("workspace %q not found", workspaceID)
	}
	return count, nil
}

func (b *fakeBackend) Subscribe(ctx context.Context, workspaceID string) (types.Subscription, error) {
	sub := newFakeSubscription(workspaceID)
	sub.push(types.ChangeEvent{Type: types.OpInit, WorkspaceID: workspaceID})
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *fakeBackend) setWorkspaces(workspaces []types.Workspace) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workspaces = workspaces
}

func (b *fakeBackend) setListErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErr = err
}

func (b *fakeBackend) setPermissions(workspaceID string, permissions []types.ModulePermission) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.permissions == nil {
		b.permissions = make(map[string][]types.ModulePermission)
	}
	b.permissions[workspaceID] = permissions
}

func (b *fakeBackend) listCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}

func (b *fakeBackend) permCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.permCalls
}

func (b *fakeBackend) setMembers(workspaceID string, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.members == nil {
		b.members = make(map[string]int)
	}
	b.members[workspaceID] = count
}

func (b *fakeBackend) subscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *fakeBackend) lastSubscription() *fakeSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) == 0 {
		return nil
	}
	return b.subs[len(b.subs)-1]
}

// awaitSnapshot drains snapshots until one matches the predicate.
func awaitSnapshot(t *testing.T, snapshots <-chan Snapshot, desc string, match func(Snapshot) bool) Snapshot {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-snapshots:
			if match(s) {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for snapshot: %v", desc)
		}
	}
}
