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
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/oneclick-labs/campaignbuilder/api/types"
	"github.com/oneclick-labs/campaignbuilder/lib/cache"
	"github.com/oneclick-labs/campaignbuilder/lib/defaults"
	"github.com/oneclick-labs/campaignbuilder/lib/utils"
)

// PermissionWatcherConfig configures a permission change watcher.
type PermissionWatcherConfig struct {
	// ParentContext is a parent context.
	ParentContext context.Context
	// WorkspaceID is the workspace whose permission changes to watch.
	WorkspaceID string
	// Backend is used to subscribe and refetch.
	Backend types.Backend
	// Cache is invalidated when a change arrives.
	Cache *cache.Cache
	// OnUpdate receives the refreshed permission set after each change.
	OnUpdate func([]types.ModulePermission)
	// RetryPeriod is the maximum delay between attempts to re-establish
	// a failed subscription.
	RetryPeriod time.Duration
	// FetchTimeout bounds the refetch triggered by a change event.
	FetchTimeout time.Duration
	// Log is a logger.
	Log logrus.FieldLogger
	// Clock to override clock in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks parameters and sets default values.
func (cfg *PermissionWatcherConfig) CheckAndSetDefaults() error {
	if cfg.ParentContext == nil {
		return trace.BadParameter("missing parameter ParentContext")
	}
	if cfg.WorkspaceID == "" {
		return trace.BadParameter("missing parameter WorkspaceID")
	}
	if cfg.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if cfg.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if cfg.RetryPeriod == 0 {
		cfg.RetryPeriod = defaults.WatcherRetryPeriod
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = defaults.ModuleLoadTimeout
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger().WithField(defaults.ComponentKey, "workspace:watcher")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewPermissionWatcher starts a watcher that keeps the cached module
// permissions of one workspace live: on every change event it drops the
// cached rows, refetches them and pushes the fresh set to OnUpdate. A
// failed subscription is re-established with backoff.
func NewPermissionWatcher(cfg PermissionWatcherConfig) (*PermissionWatcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	retry, err := utils.NewLinear(utils.LinearConfig{
		Step:   cfg.RetryPeriod / 10,
		Max:    cfg.RetryPeriod,
		Jitter: utils.NewHalfJitter(),
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(cfg.ParentContext)
	w := &PermissionWatcher{
		PermissionWatcherConfig: cfg,
		ctx:                     ctx,
		cancel:                  cancel,
		retry:                   retry,
		ResetC:                  make(chan struct{}),
	}
	go w.watchPermissions()
	return w, nil
}

// PermissionWatcher maintains one live subscription to a workspace's
// permission change channel.
type PermissionWatcher struct {
	PermissionWatcherConfig

	ctx    context.Context
	cancel context.CancelFunc

	// retry is used to manage backoff logic for watchers.
	retry utils.Retry

	// ResetC is a channel to notify of internal watcher reset (used in tests).
	ResetC chan struct{}
}

// Done returns a channel that signals watcher closure.
func (w *PermissionWatcher) Done() <-chan struct{} {
	return w.ctx.Done()
}

// Close closes the watcher and its subscription.
func (w *PermissionWatcher) Close() error {
	w.cancel()
	return nil
}

// watchPermissions runs the watch loop.
func (w *PermissionWatcher) watchPermissions() {
	for {
		err := w.watch()
		if err != nil {
			w.Log.WithError(err).Warning("Restart watch on error.")
		}
		select {
		case w.ResetC <- struct{}{}:
		default:
		}
		select {
		case <-w.retry.After():
			w.retry.Inc()
		case <-w.ctx.Done():
			w.Log.Debug("Closed, returning from watch loop.")
			return
		}
	}
}

// watch consumes change events for the workspace until the subscription
// fails or the watcher is closed.
func (w *PermissionWatcher) watch() error {
	subscription, err := w.Backend.Subscribe(w.ctx, w.WorkspaceID)
	if err != nil {
		return trace.Wrap(err)
	}
	defer subscription.Close()

	// wait for the init event so the subscription is known to be
	// established before any change can race past it
	select {
	case <-subscription.Done():
		return trace.ConnectionProblem(subscription.Error(), "subscription is closed")
	case <-w.ctx.Done():
		return trace.ConnectionProblem(w.ctx.Err(), "context is closing")
	case event := <-subscription.Events():
		if event.Type != types.OpInit {
			return trace.BadParameter("expected init event, got %v instead", event.Type)
		}
	}
	w.retry.Reset()

	for {
		select {
		case <-subscription.Done():
			return trace.ConnectionProblem(subscription.Error(), "subscription is closed")
		case <-w.ctx.Done():
			return trace.ConnectionProblem(w.ctx.Err(), "context is closing")
		case event := <-subscription.Events():
			if event.WorkspaceID != w.WorkspaceID {
				continue
			}
			if err := w.processEvent(event); err != nil {
				w.Log.WithError(err).Warning("Failed to refresh permissions after change event.")
			}
		}
	}
}

// processEvent drops the cached permission rows, refetches them and
// pushes the fresh set to the consumer.
func (w *PermissionWatcher) processEvent(event types.ChangeEvent) error {
	w.Log.WithFields(logrus.Fields{
		"workspace": w.WorkspaceID,
		"module":    event.ModuleName,
		"op":        event.Type,
	}).Debug("Permission change event received.")

	w.Cache.Invalidate(cache.EntityModules, w.WorkspaceID)

	ctx, cancel := context.WithTimeout(w.ctx, w.FetchTimeout)
	defer cancel()
	permissions, err := w.Backend.GetModulePermissions(ctx, w.WorkspaceID)
	if err != nil {
		return trace.Wrap(err)
	}
	w.Cache.SetModulePermissions(w.WorkspaceID, permissions)
	if w.OnUpdate != nil {
		w.OnUpdate(permissions)
	}
	return nil
}
