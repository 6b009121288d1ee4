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

// Package defaults contains default constants used across the workspace
// subsystem. All durations are tuning parameters, not correctness
// requirements.
package defaults

import "time"

// ComponentKey is the log field name identifying the component that
// emitted the entry.
const ComponentKey = "component"

// Cache TTLs per entity type. Member counts churn faster than module
// permissions, so they expire sooner.
const (
	// WorkspacesCacheTTL bounds staleness of a principal's workspace
	// list.
	WorkspacesCacheTTL = 5 * time.Minute

	// ModulesCacheTTL bounds staleness of per-workspace module
	// permissions.
	ModulesCacheTTL = 10 * time.Minute

	// MembersCacheTTL bounds staleness of workspace member counts.
	MembersCacheTTL = 2 * time.Minute

	// CacheMaxSize bounds the number of cached entries. Oldest-inserted
	// entries are evicted first once the bound is exceeded.
	CacheMaxSize = 100
)

// Backend call time boxes.
const (
	// AuthCheckTimeout bounds principal resolution against the identity
	// collaborator.
	AuthCheckTimeout = 5 * time.Second

	// WorkspaceLoadTimeout bounds a workspace list fetch.
	WorkspaceLoadTimeout = 5 * time.Second

	// ModuleLoadTimeout bounds a module permission fetch. Module loads
	// are non-fatal, so this is tighter than the workspace load.
	ModuleLoadTimeout = 3 * time.Second

	// SafetyTimeout is the outer ceiling after which a stuck
	// initialization resolves to an empty but usable state. A hang is
	// worse than an empty workspace list.
	SafetyTimeout = 15 * time.Second
)

// Retry policy for workspace list loads.
const (
	// RetryBaseDelay is the exponential backoff base.
	RetryBaseDelay = 500 * time.Millisecond

	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay = 10 * time.Second

	// RetryJitterWindow is the uniform jitter added on top of the
	// capped delay to avoid synchronized retries.
	RetryJitterWindow = 250 * time.Millisecond

	// RetryMaxAttempts is the retry budget. Once spent, the error
	// becomes terminal.
	RetryMaxAttempts = 3
)

const (
	// AuthDebounceWindow coalesces rapid-fire auth state notifications
	// before triggering a reload.
	AuthDebounceWindow = 300 * time.Millisecond

	// WatcherRetryPeriod is the maximum delay between attempts to
	// re-establish a failed permission change subscription.
	WatcherRetryPeriod = 10 * time.Second

	// SessionHistorySize bounds the persisted most-recently-used
	// workspace history.
	SessionHistorySize = 5
)
