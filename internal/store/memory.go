package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/model"
)

// MemoryAgents implements AgentRepository using an in-memory map.
type MemoryAgents struct {
	mu     sync.Mutex
	agents map[string]*model.Agent
}

// NewMemoryAgents creates an empty MemoryAgents.
func NewMemoryAgents() *MemoryAgents {
	return &MemoryAgents{agents: make(map[string]*model.Agent)}
}

func cloneAgent(a *model.Agent) *model.Agent {
	c := *a
	c.DriveSources = make(map[string]model.DriveSource, len(a.DriveSources))
	for id, src := range a.DriveSources {
		c.DriveSources[id] = src
	}
	return &c
}

func (m *MemoryAgents) Create(ctx context.Context, agent *model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return fmt.Errorf("agent %s: %w", agent.ID, adapter.ErrAlreadyExists)
	}
	m.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (m *MemoryAgents) Get(ctx context.Context, agentID string) (*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, adapter.ErrNotFound)
	}
	return cloneAgent(a), nil
}

func (m *MemoryAgents) List(ctx context.Context) ([]model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agents := make([]model.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, *cloneAgent(a))
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (m *MemoryAgents) Update(ctx context.Context, agentID string, patch AgentPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, adapter.ErrNotFound)
	}
	patch.Apply(a)
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryAgents) PatchDriveSource(ctx context.Context, agentID, sourceID string, patch DriveSourcePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, adapter.ErrNotFound)
	}
	src, ok := a.DriveSources[sourceID]
	if !ok {
		return fmt.Errorf("drive source %s/%s: %w", agentID, sourceID, adapter.ErrNotFound)
	}
	if !patch.Allows(src.SyncStatus) {
		return fmt.Errorf("drive source %s/%s is %s: %w", agentID, sourceID, src.SyncStatus, ErrInvalidTransition)
	}
	patch.Apply(&src)
	a.DriveSources[sourceID] = src
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryAgents) AddDriveSource(ctx context.Context, agentID, sourceID string, src model.DriveSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, adapter.ErrNotFound)
	}
	if _, exists := a.DriveSources[sourceID]; exists {
		return fmt.Errorf("drive source %s/%s: %w", agentID, sourceID, adapter.ErrAlreadyExists)
	}
	a.DriveSources[sourceID] = src
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryAgents) RemoveDriveSource(ctx context.Context, agentID, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, adapter.ErrNotFound)
	}
	if _, exists := a.DriveSources[sourceID]; !exists {
		return fmt.Errorf("drive source %s/%s: %w", agentID, sourceID, adapter.ErrNotFound)
	}
	delete(a.DriveSources, sourceID)
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryAgents) Delete(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
	return nil
}

// MemoryFiles implements FileRepository using an in-memory map.
type MemoryFiles struct {
	mu    sync.Mutex
	files map[string]map[string]model.AgentFile
}

// NewMemoryFiles creates an empty MemoryFiles.
func NewMemoryFiles() *MemoryFiles {
	return &MemoryFiles{files: make(map[string]map[string]model.AgentFile)}
}

// sorted returns an agent's files in key order, matching a DynamoDB query.
func (m *MemoryFiles) sorted(agentID string) []model.AgentFile {
	files := make([]model.AgentFile, 0, len(m.files[agentID]))
	for _, f := range m.files[agentID] {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	return files
}

func (m *MemoryFiles) FindByDriveFileID(ctx context.Context, agentID, driveFileID string) (*model.AgentFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.sorted(agentID) {
		if f.DriveFileID == driveFileID {
			return &f, nil
		}
	}
	return nil, nil
}

func (m *MemoryFiles) ListBySource(ctx context.Context, agentID, sourceID string) ([]model.AgentFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AgentFile
	for _, f := range m.sorted(agentID) {
		if f.DriveSourceID == sourceID {
			out = append(out, f)
		}
	}
	return out, nil
}

// List returns every file of an agent.
func (m *MemoryFiles) List(agentID string) []model.AgentFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(agentID)
}

func (m *MemoryFiles) Put(ctx context.Context, file *model.AgentFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files[file.AgentID] == nil {
		m.files[file.AgentID] = make(map[string]model.AgentFile)
	}
	m.files[file.AgentID][file.ID] = *file
	return nil
}

func (m *MemoryFiles) Delete(ctx context.Context, agentID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files[agentID], fileID)
	return nil
}

func (m *MemoryFiles) DeleteAll(ctx context.Context, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.files[agentID])
	delete(m.files, agentID)
	return n, nil
}

// MemorySessions implements SessionRepository using an in-memory map. Every
// mutation is reported to the watcher after the lock is released, the way a
// table stream would deliver it.
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[string]map[string]*model.SyncSession
	watcher  SessionWatcher
}

// NewMemorySessions creates an empty MemorySessions.
func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]map[string]*model.SyncSession)}
}

// Watch registers the function called after each session update.
func (m *MemorySessions) Watch(w SessionWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watcher = w
}

func cloneSession(s *model.SyncSession) model.SyncSession {
	c := *s
	c.FileResults = append([]model.FileResult(nil), s.FileResults...)
	return c
}

func (m *MemorySessions) Create(ctx context.Context, session *model.SyncSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[session.AgentID] == nil {
		m.sessions[session.AgentID] = make(map[string]*model.SyncSession)
	}
	if _, ok := m.sessions[session.AgentID][session.ID]; ok {
		return fmt.Errorf("sync session %s: %w", session.ID, adapter.ErrAlreadyExists)
	}
	c := cloneSession(session)
	m.sessions[session.AgentID][session.ID] = &c
	return nil
}

func (m *MemorySessions) Get(ctx context.Context, agentID, sessionID string) (*model.SyncSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[agentID][sessionID]
	if !ok {
		return nil, fmt.Errorf("sync session %s: %w", sessionID, adapter.ErrNotFound)
	}
	c := cloneSession(s)
	return &c, nil
}

// List returns every session of an agent ordered by creation.
func (m *MemorySessions) List(agentID string) []model.SyncSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.SyncSession, 0, len(m.sessions[agentID]))
	for _, s := range m.sessions[agentID] {
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemorySessions) RecordResult(ctx context.Context, agentID, sessionID string, outcome model.FileOutcome, detail *model.FileResult) error {
	m.mu.Lock()
	s, ok := m.sessions[agentID][sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("sync session %s: %w", sessionID, adapter.ErrNotFound)
	}
	if s.ProcessedFiles >= s.TotalFiles {
		m.mu.Unlock()
		return ErrSessionFull
	}

	before := cloneSession(s)
	switch outcome {
	case model.FileOutcomeSuccess:
		s.SuccessFiles++
	case model.FileOutcomeFailed:
		s.FailedFiles++
	case model.FileOutcomeSkipped:
		s.SkippedFiles++
	default:
		m.mu.Unlock()
		return fmt.Errorf("unknown file outcome %q", outcome)
	}
	s.ProcessedFiles++
	if detail != nil && len(s.FileResults) < model.MaxFileResults {
		s.FileResults = append(s.FileResults, *detail)
	}
	s.UpdatedAt = time.Now()
	after := cloneSession(s)
	w := m.watcher
	m.mu.Unlock()

	if w != nil {
		w(ctx, agentID, before, after)
	}
	return nil
}

func (m *MemorySessions) MarkCompleted(ctx context.Context, agentID, sessionID string) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[agentID][sessionID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("sync session %s: %w", sessionID, adapter.ErrNotFound)
	}
	if s.Status != model.SessionStatusInProgress {
		m.mu.Unlock()
		return false, nil
	}
	before := cloneSession(s)
	s.Status = model.SessionStatusCompleted
	s.UpdatedAt = time.Now()
	after := cloneSession(s)
	w := m.watcher
	m.mu.Unlock()

	if w != nil {
		w(ctx, agentID, before, after)
	}
	return true, nil
}

func (m *MemorySessions) DeleteAll(ctx context.Context, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.sessions[agentID])
	delete(m.sessions, agentID)
	return n, nil
}
