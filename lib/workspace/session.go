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
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"

	"github.com/oneclick-labs/campaignbuilder/api/types"
	"github.com/oneclick-labs/campaignbuilder/lib/defaults"
)

// SessionStore persists the per-device pointer to the workspace a
// principal was last operating in, plus a small most-recently-used
// history.
type SessionStore interface {
	// Save records the workspace as current and pushes it onto the
	// history.
	Save(workspace types.Workspace, modules []string) error
	// Load returns the persisted session, or a NotFound error when
	// there is none.
	Load() (*types.Session, error)
	// Clear removes the persisted session.
	Clear() error
	// Validate returns the session if its workspace is present in the
	// supplied list; otherwise it clears the store and returns a
	// NotFound error. A stale session must never be silently trusted.
	Validate(available []types.Workspace) (*types.Session, error)
	// History returns recently used workspaces, most recent first.
	History() ([]types.Session, error)
	// MigrateLegacy upgrades the old bare-workspace-id format, if
	// present, into a full session record. Idempotent.
	MigrateLegacy() error
}

// sessionFile is the on-disk document.
type sessionFile struct {
	Session *types.Session  `yaml:"session,omitempty"`
	History []types.Session `yaml:"history,omitempty"`
}

const (
	sessionFileName = "session.yaml"
	// legacyFileName is the pre-session format: a file holding a bare
	// workspace id and nothing else.
	legacyFileName = "workspace_id"
)

// FSSessionStore keeps the session in a yaml file under Dir, one file
// per device.
type FSSessionStore struct {
	// Dir is the storage directory.
	Dir string

	clock clockwork.Clock
	mu    sync.Mutex
}

// NewFSSessionStore returns a session store backed by dir.
func NewFSSessionStore(dir string) *FSSessionStore {
	return &FSSessionStore{Dir: dir, clock: clockwork.NewRealClock()}
}

// SetClock overrides the store clock, used in tests.
func (s *FSSessionStore) SetClock(clock clockwork.Clock) {
	s.clock = clock
}

func (s *FSSessionStore) path() string {
	return filepath.Join(s.Dir, sessionFileName)
}

func (s *FSSessionStore) read() (*sessionFile, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return &sessionFile{}, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	var f sessionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, trace.Wrap(err)
	}
	return &f, nil
}

func (s *FSSessionStore) write(f *sessionFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.WriteFile(s.path(), data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Save records the workspace as current and pushes it onto the history.
func (s *FSSessionStore) Save(workspace types.Workspace, modules []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return trace.Wrap(err)
	}
	session := types.Session{
		WorkspaceID:    workspace.ID,
		WorkspaceName:  workspace.Name,
		LastAccessedAt: s.clock.Now().UTC(),
		Modules:        modules,
	}
	f.Session = &session
	f.History = pushHistory(f.History, session)
	return trace.Wrap(s.write(f))
}

// Load returns the persisted session, or NotFound when there is none or
// the record is malformed. A malformed record is discarded.
func (s *FSSessionStore) Load() (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FSSessionStore) load() (*types.Session, error) {
	f, err := s.read()
	if err != nil {
		// a corrupt file is treated as no session at all
		if err := s.clear(); err != nil {
			return nil, trace.Wrap(err)
		}
		return nil, trace.NotFound("no workspace session")
	}
	if f.Session == nil || f.Session.WorkspaceID == "" || f.Session.WorkspaceName == "" {
		return nil, trace.NotFound("no workspace session")
	}
	return f.Session, nil
}

// Clear removes the persisted session but keeps the history.
func (s *FSSessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clear()
}

func (s *FSSessionStore) clear() error {
	f, err := s.read()
	if err != nil {
		f = &sessionFile{}
	}
	f.Session = nil
	return trace.Wrap(s.write(f))
}

// Validate returns the session if its workspace is still in the
// supplied list, clearing the store otherwise.
func (s *FSSessionStore) Validate(available []types.Workspace) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.load()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, workspace := range available {
		if workspace.ID == session.WorkspaceID {
			return session, nil
		}
	}
	if err := s.clear(); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, trace.NotFound("workspace %q is no longer available", session.WorkspaceName)
}

// History returns recently used workspaces, most recent first.
func (s *FSSessionStore) History() ([]types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return f.History, nil
}

// MigrateLegacy converts the old bare-workspace-id file into a session
// record. It does nothing when a session already exists and removes the
// legacy file either way, so repeated calls are safe.
func (s *FSSessionStore) MigrateLegacy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	legacyPath := filepath.Join(s.Dir, legacyFileName)
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return trace.ConvertSystemError(err)
	}
	defer os.Remove(legacyPath)

	f, err := s.read()
	if err != nil {
		return trace.Wrap(err)
	}
	if f.Session != nil {
		return nil
	}
	workspaceID := strings.TrimSpace(string(data))
	if workspaceID == "" {
		return nil
	}
	f.Session = &types.Session{
		WorkspaceID:    workspaceID,
		WorkspaceName:  "Unknown Workspace",
		LastAccessedAt: s.clock.Now().UTC(),
	}
	return trace.Wrap(s.write(f))
}

// MemSessionStore keeps the session in memory. Used in tests and for
// ephemeral sessions.
type MemSessionStore struct {
	clock   clockwork.Clock
	mu      sync.Mutex
	session *types.Session
	history []types.Session
}

// NewMemSessionStore returns an empty in-memory session store.
func NewMemSessionStore() *MemSessionStore {
	return &MemSessionStore{clock: clockwork.NewRealClock()}
}

// SetClock overrides the store clock, used in tests.
func (s *MemSessionStore) SetClock(clock clockwork.Clock) {
	s.clock = clock
}

// Save records the workspace as current and pushes it onto the history.
func (s *MemSessionStore) Save(workspace types.Workspace, modules []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := types.Session{
		WorkspaceID:    workspace.ID,
		WorkspaceName:  workspace.Name,
		LastAccessedAt: s.clock.Now().UTC(),
		Modules:        modules,
	}
	s.session = &session
	s.history = pushHistory(s.history, session)
	return nil
}

// Load returns the stored session, or NotFound when there is none.
func (s *MemSessionStore) Load() (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, trace.NotFound("no workspace session")
	}
	session := *s.session
	return &session, nil
}

// Clear removes the stored session.
func (s *MemSessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return nil
}

// Validate returns the session if its workspace is still in the
// supplied list, clearing the store otherwise.
func (s *MemSessionStore) Validate(available []types.Workspace) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, trace.NotFound("no workspace session")
	}
	for _, workspace := range available {
		if workspace.ID == s.session.WorkspaceID {
			session := *s.session
			return &session, nil
		}
	}
	name := s.session.WorkspaceName
	s.session = nil
	return nil, trace.NotFound("workspace %q is no longer available", name)
}

// History returns recently used workspaces, most recent first.
func (s *MemSessionStore) History() ([]types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]types.Session, len(s.history))
	copy(history, s.history)
	return history, nil
}

// MigrateLegacy is a no-op for the in-memory store.
func (s *MemSessionStore) MigrateLegacy() error {
	return nil
}

// pushHistory prepends the session to the history, dropping any older
// entry for the same workspace and trimming to the configured bound.
func pushHistory(history []types.Session, session types.Session) []types.Session {
	out := []types.Session{session}
	for _, item := range history {
		if item.WorkspaceID == session.WorkspaceID {
			continue
		}
		out = append(out, item)
	}
	if len(out) > defaults.SessionHistorySize {
		out = out[:defaults.SessionHistorySize]
	}
	return out
}
