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

// Package types defines the data model shared by the workspace session
// and module access control subsystem: workspaces, module permissions,
// durable sessions and the collaborator interfaces the subsystem
// consumes.
package types

import (
	"context"
	"time"

	"github.com/gravitational/trace"
)

// Principal is the authenticated identity on whose behalf workspace and
// permission resolution runs. It is supplied by the identity collaborator
// and immutable for the lifetime of a session.
type Principal struct {
	// ID is the opaque identifier of the principal.
	ID string `json:"id"`
	// Email is the principal's email address.
	Email string `json:"email"`
}

// Workspace is a tenant context boundary, the unit at which module
// permissions are scoped. Workspaces are created and destroyed by an
// external collaborator; this subsystem only reads and caches them.
type Workspace struct {
	// ID uniquely identifies the workspace.
	ID string `json:"id"`
	// Name is a human readable workspace name.
	Name string `json:"name"`
	// Description is an optional free-form description.
	Description string `json:"description,omitempty"`
	// OwnerID is the principal id of the workspace owner.
	OwnerID string `json:"owner_id"`
	// IsAdminWorkspace marks a workspace that implicitly holds every
	// permission on every module.
	IsAdminWorkspace bool `json:"is_admin_workspace"`
	// CreatedAt is the workspace creation time.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the last modification time.
	UpdatedAt time.Time `json:"updated_at"`
	// MemberCount is the number of workspace members known at fetch time.
	MemberCount int `json:"member_count"`
}

// CheckAndSetDefaults checks validity of all parameters.
func (w *Workspace) CheckAndSetDefaults() error {
	if w.ID == "" {
		return trace.BadParameter("missing parameter ID")
	}
	if w.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if w.OwnerID == "" {
		return trace.BadParameter("missing parameter OwnerID")
	}
	return nil
}

// Permission is a single capability on a module.
type Permission string

const (
	// PermissionRead grants read access to a module.
	PermissionRead Permission = "read"
	// PermissionWrite grants write access to a module.
	PermissionWrite Permission = "write"
	// PermissionDelete grants delete access to a module.
	PermissionDelete Permission = "delete"
	// PermissionAdmin subsumes read, write and delete.
	PermissionAdmin Permission = "admin"
)

// AllPermissions is the full permission set granted implicitly by admin
// workspaces.
var AllPermissions = Permissions{PermissionRead, PermissionWrite, PermissionDelete, PermissionAdmin}

// Permissions is a set of module permissions.
type Permissions []Permission

// Contains reports whether the set holds the given permission.
func (p Permissions) Contains(perm Permission) bool {
	for _, have := range p {
		if have == perm {
			return true
		}
	}
	return false
}

// Allows reports whether the set satisfies the required permission,
// either directly or through admin which subsumes everything else.
func (p Permissions) Allows(required Permission) bool {
	return p.Contains(required) || p.Contains(PermissionAdmin)
}

// ModulePermission is the per (workspace, module) access row. Enabled
// gates the module regardless of the permission set.
type ModulePermission struct {
	// WorkspaceID scopes the row to a workspace.
	WorkspaceID string `json:"workspace_id"`
	// ModuleName names the feature module.
	ModuleName string `json:"module_name"`
	// Enabled gates access to the module. A disabled module is
	// inaccessible irrespective of Permissions.
	Enabled bool `json:"enabled"`
	// Permissions is the set of granted capabilities.
	Permissions Permissions `json:"permissions"`
	// CreatedAt is the row creation time.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the last modification time.
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckAndSetDefaults checks validity of all parameters.
func (m *ModulePermission) CheckAndSetDefaults() error {
	if m.WorkspaceID == "" {
		return trace.BadParameter("missing parameter WorkspaceID")
	}
	if m.ModuleName == "" {
		return trace.BadParameter("missing parameter ModuleName")
	}
	return nil
}

// ModulePermissionUpdate is the write-path payload for upserting a
// module permission row.
type ModulePermissionUpdate struct {
	// WorkspaceID is the target workspace.
	WorkspaceID string `json:"workspace_id"`
	// ModuleName names the module to update.
	ModuleName string `json:"module_name"`
	// Enabled sets the module gate.
	Enabled bool `json:"enabled"`
	// Permissions replaces the permission set. Defaults to read-only.
	Permissions Permissions `json:"permissions"`
}

// CheckAndSetDefaults checks validity of all parameters and sets the
// default permission set.
func (u *ModulePermissionUpdate) CheckAndSetDefaults() error {
	if u.WorkspaceID == "" {
		return trace.BadParameter("missing parameter WorkspaceID")
	}
	if u.ModuleName == "" {
		return trace.BadParameter("missing parameter ModuleName")
	}
	if len(u.Permissions) == 0 {
		u.Permissions = Permissions{PermissionRead}
	}
	return nil
}

// Session is the durable per-device pointer to the workspace a principal
// was last operating in.
type Session struct {
	// WorkspaceID references the last active workspace.
	WorkspaceID string `yaml:"workspace_id" json:"workspace_id"`
	// WorkspaceName is the display name captured at save time.
	WorkspaceName string `yaml:"workspace_name" json:"workspace_name"`
	// LastAccessedAt is the time the session was last written.
	LastAccessedAt time.Time `yaml:"last_accessed_at" json:"last_accessed_at"`
	// Modules is the module name list cached at save time.
	Modules []string `yaml:"modules,flow" json:"modules"`
}

// AccessContext carries the resolved workspace context an access
// decision is evaluated against.
type AccessContext struct {
	// WorkspaceID is the current workspace id.
	WorkspaceID string
	// PrincipalID is the id of the acting principal.
	PrincipalID string
	// IsAdminWorkspace short-circuits permission checks when set.
	IsAdminWorkspace bool
}

// OpType describes the kind of change carried by a ChangeEvent.
type OpType string

const (
	// OpInit is emitted once after a subscription is established.
	OpInit OpType = "init"
	// OpPut signals a created or updated module permission row.
	OpPut OpType = "put"
	// OpDelete signals a removed module permission row.
	OpDelete OpType = "delete"
)

// ChangeEvent is a permission change notification scoped to a workspace.
type ChangeEvent struct {
	// Type is the change operation.
	Type OpType
	// WorkspaceID scopes the event.
	WorkspaceID string
	// ModuleName names the affected module, empty for OpInit.
	ModuleName string
}

// Violation describes a denied access attempt reported to the security
// log sink.
type Violation struct {
	// Kind classifies the violation, e.g. "module_access_denied".
	Kind string
	// WorkspaceID is the workspace the attempt targeted.
	WorkspaceID string
	// PrincipalID is the principal that made the attempt.
	PrincipalID string
	// ModuleName names the module involved.
	ModuleName string
	// RequiredPermission is the permission that was required.
	RequiredPermission Permission
	// Details carries additional context.
	Details string
}

// IdentitySource resolves the currently authenticated principal. A nil
// principal with a nil error means no one is signed in, which is a valid
// state, not a failure.
type IdentitySource interface {
	// CurrentPrincipal returns the authenticated principal, or nil if
	// there is none. Invalid or expired credentials fail with an
	// access denied error.
	CurrentPrincipal(ctx context.Context) (*Principal, error)
}

// Subscription is a live change-notification stream for one workspace.
type Subscription interface {
	// Events returns the change event channel.
	Events() <-chan ChangeEvent
	// Done is closed when the subscription is no longer usable.
	Done() <-chan struct{}
	// Error returns the terminal error, if any, after Done is closed.
	Error() error
	// Close terminates the subscription.
	Close() error
}

// Backend is the workspace data collaborator. All row-level
// authorization happens behind this interface.
type Backend interface {
	// ListWorkspaces returns the workspaces the principal belongs to.
	ListWorkspaces(ctx context.Context, principalID string) ([]Workspace, error)
	// GetModulePermissions returns all module permission rows for the
	// workspace.
	GetModulePermissions(ctx context.Context, workspaceID string) ([]ModulePermission, error)
	// UpsertModulePermission creates or updates a module permission row.
	UpsertModulePermission(ctx context.Context, update ModulePermissionUpdate) (*ModulePermission, error)
	// CountMembers returns the number of members in the workspace.
	CountMembers(ctx context.Context, workspaceID string) (int, error)
	// Subscribe opens a change-notification stream for the workspace.
	Subscribe(ctx context.Context, workspaceID string) (Subscription, error)
}

// SecurityLog is the fire-and-forget sink for denied access attempts.
type SecurityLog interface {
	// Record reports a violation. Implementations must not block.
	Record(ctx context.Context, v Violation)
}
