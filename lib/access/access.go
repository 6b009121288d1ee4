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

// Package access implements module access decisions for workspace
// contexts: the admin workspace short-circuit, the enabled-before-
// permissions rule and denial reporting to the security log.
package access

import (
	"context"
	"fmt"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/oneclick-labs/campaignbuilder/api/types"
	"github.com/oneclick-labs/campaignbuilder/lib/cache"
	"github.com/oneclick-labs/campaignbuilder/lib/defaults"
)

// Module names known to the product. The module set itself is
// configuration; this list is only the default for AvailableModules on
// admin workspaces.
const (
	ModuleCampaignBuilder  = "campaign_builder"
	ModuleKeywordPlanner   = "keyword_planner"
	ModuleForms            = "forms"
	ModuleVMManagement     = "vm_management"
	ModuleAnalytics        = "analytics"
	ModuleBilling          = "billing"
	ModuleTeamManagement   = "team_management"
	ModuleAPIAccess        = "api_access"
	ModuleIntegrations     = "integrations"
	ModuleAdvancedFeatures = "advanced_features"
)

// KnownModules is the default module set.
var KnownModules = []string{
	ModuleCampaignBuilder,
	ModuleKeywordPlanner,
	ModuleForms,
	ModuleVMManagement,
	ModuleAnalytics,
	ModuleBilling,
	ModuleTeamManagement,
	ModuleAPIAccess,
	ModuleIntegrations,
	ModuleAdvancedFeatures,
}

// Denial reasons surfaced on Decision.Reason.
const (
	// ReasonNoContext is returned when there is no workspace context.
	ReasonNoContext = "no workspace context available"
	// ReasonModuleNotEnabled is returned when the module row is absent
	// or disabled.
	ReasonModuleNotEnabled = "module not enabled for workspace"
	// ReasonAdminWorkspace explains an admin short-circuit grant.
	ReasonAdminWorkspace = "admin workspace has full access"
	// ReasonGranted explains a regular grant.
	ReasonGranted = "access granted"
)

// Violation kinds reported to the security log.
const (
	violationModuleDenied           = "module_access_denied"
	violationInsufficientPermission = "insufficient_module_permissions"
)

// Decision is the outcome of a module access check.
type Decision struct {
	// Granted reports whether access is allowed.
	Granted bool
	// Permissions is the permission set held on the module.
	Permissions types.Permissions
	// IsAdminWorkspace reports whether the admin short-circuit applied.
	IsAdminWorkspace bool
	// Reason explains the outcome.
	Reason string
}

// Config configures the resolver.
type Config struct {
	// Backend is the workspace data collaborator.
	Backend types.Backend
	// Cache holds module permissions between backend fetches.
	Cache *cache.Cache
	// SecurityLog receives denied access attempts. Optional.
	SecurityLog types.SecurityLog
	// KnownModules overrides the default module set.
	KnownModules []string
	// Log is a logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if len(c.KnownModules) == 0 {
		c.KnownModules = KnownModules
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger().WithField(defaults.ComponentKey, "workspace:access")
	}
	return nil
}

// Resolver answers module access questions for a workspace context.
type Resolver struct {
	Config
}

// NewResolver returns a resolver for the given configuration.
func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{Config: cfg}, nil
}

// CheckAccess decides whether the workspace context may use the module
// at the required permission level. Admin workspaces are granted
// everything without consulting cache or backend. A nil context is a
// denial, not an error; backend failures are returned as errors so
// callers can distinguish "denied" from "could not decide".
func (r *Resolver) CheckAccess(ctx context.Context, actx *types.AccessContext, moduleName string, required types.Permission) (Decision, error) {
	if actx == nil || actx.WorkspaceID == "" {
		return Decision{Reason: ReasonNoContext}, nil
	}
	if required == "" {
		required = types.PermissionRead
	}

	if actx.IsAdminWorkspace {
		return Decision{
			Granted:          true,
			Permissions:      types.AllPermissions,
			IsAdminWorkspace: true,
			Reason:           ReasonAdminWorkspace,
		}, nil
	}

	permissions, err := r.modulePermissions(ctx, actx.WorkspaceID)
	if err != nil {
		return Decision{}, trace.Wrap(err)
	}

	row, found := findModule(permissions, moduleName)
	if !found || !row.Enabled {
		r.recordViolation(ctx, violationModuleDenied, actx, moduleName, required, ReasonModuleNotEnabled)
		return Decision{Reason: ReasonModuleNotEnabled}, nil
	}

	if !row.Permissions.Allows(required) {
		reason := fmt.Sprintf("insufficient permissions, required %q", required)
		r.recordViolation(ctx, violationInsufficientPermission, actx, moduleName, required, reason)
		return Decision{
			Permissions: row.Permissions,
			Reason:      reason,
		}, nil
	}

	return Decision{
		Granted:     true,
		Permissions: row.Permissions,
		Reason:      ReasonGranted,
	}, nil
}

// AvailableModules returns the names of modules the context may see:
// every known module for an admin workspace, otherwise the enabled
// rows of the workspace.
func (r *Resolver) AvailableModules(ctx context.Context, actx *types.AccessContext) ([]string, error) {
	if actx == nil || actx.WorkspaceID == "" {
		return nil, nil
	}
	if actx.IsAdminWorkspace {
		modules := make([]string, len(r.KnownModules))
		copy(modules, r.KnownModules)
		return modules, nil
	}
	permissions, err := r.modulePermissions(ctx, actx.WorkspaceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var modules []string
	for _, row := range permissions {
		if row.Enabled {
			modules = append(modules, row.ModuleName)
		}
	}
	return modules, nil
}

// UpsertModulePermission writes a module permission row through the
// backend and drops the target workspace's cached permissions. The
// caller must hold module administration rights: either the context is
// an admin workspace or it has admin on team management.
func (r *Resolver) UpsertModulePermission(ctx context.Context, actx *types.AccessContext, update types.ModulePermissionUpdate) (*types.ModulePermission, error) {
	if err := update.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if actx == nil {
		return nil, trace.AccessDenied(ReasonNoContext)
	}
	if !actx.IsAdminWorkspace {
		decision, err := r.CheckAccess(ctx, actx, ModuleTeamManagement, types.PermissionAdmin)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !decision.Granted {
			return nil, trace.AccessDenied("insufficient permissions to manage module access")
		}
	}
	row, err := r.Backend.UpsertModulePermission(ctx, update)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.Cache.InvalidateWorkspace(update.WorkspaceID)
	return row, nil
}

// ModulePermissions returns the permission rows of a workspace,
// cache-first with a backend fetch on miss.
func (r *Resolver) ModulePermissions(ctx context.Context, workspaceID string) ([]types.ModulePermission, error) {
	return r.modulePermissions(ctx, workspaceID)
}

func (r *Resolver) modulePermissions(ctx context.Context, workspaceID string) ([]types.ModulePermission, error) {
	if cached, ok := r.Cache.ModulePermissions(workspaceID); ok {
		return cached, nil
	}
	permissions, err := r.Backend.GetModulePermissions(ctx, workspaceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.Cache.SetModulePermissions(workspaceID, permissions)
	return permissions, nil
}

// recordViolation reports a denial to the security log. This is an
// observability hook, not a control-flow branch.
func (r *Resolver) recordViolation(ctx context.Context, kind string, actx *types.AccessContext, moduleName string, required types.Permission, details string) {
	if r.SecurityLog == nil {
		return
	}
	r.SecurityLog.Record(ctx, types.Violation{
		Kind:               kind,
		WorkspaceID:        actx.WorkspaceID,
		PrincipalID:        actx.PrincipalID,
		ModuleName:         moduleName,
		RequiredPermission: required,
		Details:            details,
	})
}

func findModule(permissions []types.ModulePermission, moduleName string) (types.ModulePermission, bool) {
	for _, row := range permissions {
		if row.ModuleName == moduleName {
			return row, true
		}
	}
	return types.ModulePermission{}, false
}
