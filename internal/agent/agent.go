// Package agent manages agents and their drive sources and feeds the sync
// queues when sources are added, removed or synced on demand.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/auth"
	"github.com/jun/agentsync/internal/crypto"
	"github.com/jun/agentsync/internal/drivesync"
	"github.com/jun/agentsync/internal/logging"
	"github.com/jun/agentsync/internal/model"
	"github.com/jun/agentsync/internal/queue"
	"github.com/jun/agentsync/internal/store"
)

var (
	ErrInvalid              = errors.New("invalid request")
	ErrForbidden            = errors.New("forbidden")
	ErrDuplicateDriveSource = errors.New("this folder is already added")
	ErrSourceSyncing        = errors.New("cannot delete drive source while syncing")
	ErrLastDriveSource      = errors.New("cannot delete the last drive source")
	ErrAgentSyncing         = errors.New("agent is already syncing")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

// Cleaner removes the derived data of a deleted agent.
type Cleaner interface {
	CleanupAgent(ctx context.Context, agent model.Agent)
}

// Deps are the collaborators of Service.
type Deps struct {
	Agents    store.AgentRepository
	Search    adapter.SearchStore
	Queue     queue.Queue
	Encryptor crypto.Encryptor
	Cleaner   Cleaner
	Log       *zap.Logger
	Now       func() time.Time
}

// Service implements the agent control operations.
type Service struct {
	deps Deps
}

func NewService(deps Deps) *Service {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{deps: deps}
}

// SourceParams describes a Drive folder or shared drive to sync.
type SourceParams struct {
	DriveType   model.DriveType `json:"driveType"`
	DriveID     *string         `json:"driveId"`
	FolderID    string          `json:"folderId"`
	DisplayName string          `json:"displayName,omitempty"`
}

// CreateParams are the inputs of Create. The slug becomes the agent id.
type CreateParams struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Model       string `json:"model,omitempty"`
	SourceParams
	CreatedBy string `json:"-"`
}

// UpdateParams are the editable fields of an agent. Nil fields are left as they are.
type UpdateParams struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Model       *string `json:"model"`
}

// CreateResult carries the plaintext API token. It is never stored.
type CreateResult struct {
	AgentID string `json:"agentId"`
	Token   string `json:"token"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// newSource validates p and returns the source id with a pending source.
func (s *Service) newSource(p SourceParams, displayName string) (string, model.DriveSource, error) {
	var driveID string
	if p.DriveID != nil {
		driveID = *p.DriveID
	}
	switch p.DriveType {
	case model.DriveTypeSharedDrive:
		if driveID == "" {
			return "", model.DriveSource{}, invalid("Google Drive ID is required for shared drive")
		}
	case model.DriveTypeMyDrive:
		if p.FolderID == "" {
			return "", model.DriveSource{}, invalid("Google Drive Folder ID is required for My Drive")
		}
	default:
		return "", model.DriveSource{}, invalid(`Google Drive Type must be either "myDrive" or "sharedDrive"`)
	}

	folderID := p.FolderID
	if folderID == "" {
		folderID = driveID
	}
	if displayName == "" {
		displayName = folderID
	}
	src := model.DriveSource{
		DriveType:   p.DriveType,
		FolderID:    folderID,
		SyncStatus:  model.SyncStatusPending,
		DisplayName: displayName,
		CreatedAt:   s.deps.Now(),
	}
	if driveID != "" {
		src.DriveID = &driveID
	}
	return folderID, src, nil
}

func newAuthToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate auth token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Create provisions a search store, writes the agent with one pending drive
// source and enqueues its initial sync.
func (s *Service) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	if !slugPattern.MatchString(p.Slug) {
		return nil, invalid("slug must be 1-64 lowercase alphanumeric characters or hyphens")
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, invalid("agent name is required")
	}
	if p.Model == "" {
		p.Model = model.DefaultModel
	}
	if !slices.Contains(model.SupportedModels, p.Model) {
		return nil, invalid("model must be one of: %s", strings.Join(model.SupportedModels, ", "))
	}
	sourceID, src, err := s.newSource(p.SourceParams, p.Name)
	if err != nil {
		return nil, err
	}

	log := s.deps.Log.With(logging.Agent(p.Slug))
	if _, err := s.deps.Agents.Get(ctx, p.Slug); err == nil {
		return nil, fmt.Errorf("agent %s: %w", p.Slug, adapter.ErrAlreadyExists)
	} else if !errors.Is(err, adapter.ErrNotFound) {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	token, err := newAuthToken()
	if err != nil {
		return nil, err
	}
	encrypted, err := s.deps.Encryptor.Encrypt(ctx, token)
	if err != nil {
		return nil, err
	}

	storeID, err := s.deps.Search.CreateStore(ctx, "agent-"+p.Slug)
	if err != nil {
		return nil, fmt.Errorf("failed to create search store: %w", err)
	}
	log.Info("Search store created", zap.String("storeId", storeID))

	now := s.deps.Now()
	a := &model.Agent{
		ID:                 p.Slug,
		CreatedBy:          p.CreatedBy,
		Name:               p.Name,
		Description:        p.Description,
		SearchStoreID:      &storeID,
		Model:              p.Model,
		AuthTokenEncrypted: &encrypted,
		DriveSources:       map[string]model.DriveSource{sourceID: src},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.deps.Agents.Create(ctx, a); err != nil {
		if derr := s.deps.Search.DeleteStore(context.WithoutCancel(ctx), storeID); derr != nil {
			log.Warn("Failed to delete orphaned search store", zap.String("storeId", storeID), zap.Error(derr))
		}
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	log.Info("Agent created", logging.Source(sourceID))

	if err := s.enqueueInitialSync(ctx, a.ID, sourceID); err != nil {
		return nil, err
	}
	return &CreateResult{AgentID: a.ID, Token: token}, nil
}

func (s *Service) enqueueInitialSync(ctx context.Context, agentID, sourceID string) error {
	payload := drivesync.InitialSyncPayload{AgentID: agentID, DriveSourceID: sourceID}
	if err := s.deps.Queue.Enqueue(ctx, drivesync.TaskInitialSync, payload, 0); err != nil {
		return fmt.Errorf("failed to enqueue initial sync: %w", err)
	}
	s.deps.Log.Info("Initial sync task enqueued", logging.Agent(agentID), logging.Source(sourceID))
	return nil
}

// Get returns the agent when caller may access it.
func (s *Service) Get(ctx context.Context, caller auth.Claims, agentID string) (*model.Agent, error) {
	if agentID == "" {
		return nil, invalid("agent id is required")
	}
	a, err := s.deps.Agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if caller.UserID != a.CreatedBy && !caller.IsAdmin() {
		s.deps.Log.Warn("User is not authorized for agent", logging.Agent(agentID), zap.String("userId", caller.UserID))
		return nil, ErrForbidden
	}
	return a, nil
}

// Update edits an agent's name, description or model.
func (s *Service) Update(ctx context.Context, caller auth.Claims, agentID string, p UpdateParams) error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return invalid("agent name is required")
	}
	if p.Model != nil && !slices.Contains(model.SupportedModels, *p.Model) {
		return invalid("model must be one of: %s", strings.Join(model.SupportedModels, ", "))
	}
	if _, err := s.Get(ctx, caller, agentID); err != nil {
		return err
	}

	patch := store.AgentPatch{Name: p.Name, Description: p.Description, Model: p.Model}
	if patch.IsEmpty() {
		return nil
	}
	if err := s.deps.Agents.Update(ctx, agentID, patch); err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	s.deps.Log.Info("Agent updated", logging.Agent(agentID))
	return nil
}

// RenameDriveSource changes the display name of a source. The sync status
// is not touched.
func (s *Service) RenameDriveSource(ctx context.Context, caller auth.Claims, agentID, sourceID, displayName string) error {
	if sourceID == "" {
		return invalid("drive source id is required")
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		return invalid("display name is required")
	}
	a, err := s.Get(ctx, caller, agentID)
	if err != nil {
		return err
	}
	if _, ok := a.DriveSources[sourceID]; !ok {
		return fmt.Errorf("drive source %s: %w", sourceID, adapter.ErrNotFound)
	}

	if err := s.deps.Agents.PatchDriveSource(ctx, agentID, sourceID, store.DriveSourcePatch{DisplayName: &name}); err != nil {
		return fmt.Errorf("failed to rename drive source: %w", err)
	}
	s.deps.Log.Info("Drive source renamed", logging.Agent(agentID), logging.Source(sourceID))
	return nil
}

// AddDriveSource adds a pending source to the agent and enqueues its initial sync.
func (s *Service) AddDriveSource(ctx context.Context, caller auth.Claims, agentID string, p SourceParams) (string, error) {
	sourceID, src, err := s.newSource(p, p.DisplayName)
	if err != nil {
		return "", err
	}
	a, err := s.Get(ctx, caller, agentID)
	if err != nil {
		return "", err
	}
	for _, existing := range a.DriveSources {
		if existing.FolderID == src.FolderID {
			return "", ErrDuplicateDriveSource
		}
	}

	if err := s.deps.Agents.AddDriveSource(ctx, agentID, sourceID, src); err != nil {
		if errors.Is(err, adapter.ErrAlreadyExists) {
			return "", ErrDuplicateDriveSource
		}
		return "", fmt.Errorf("failed to add drive source: %w", err)
	}
	s.deps.Log.Info("Drive source added", logging.Agent(agentID), logging.Source(sourceID))

	if err := s.enqueueInitialSync(ctx, agentID, sourceID); err != nil {
		return "", err
	}
	return sourceID, nil
}

// RemoveDriveSource detaches a source and enqueues cleanup of its files.
func (s *Service) RemoveDriveSource(ctx context.Context, caller auth.Claims, agentID, sourceID string) error {
	if sourceID == "" {
		return invalid("drive source id is required")
	}
	a, err := s.Get(ctx, caller, agentID)
	if err != nil {
		return err
	}
	src, ok := a.DriveSources[sourceID]
	if !ok {
		return fmt.Errorf("drive source %s: %w", sourceID, adapter.ErrNotFound)
	}
	if src.SyncStatus == model.SyncStatusSyncing {
		return ErrSourceSyncing
	}
	if len(a.DriveSources) == 1 {
		return ErrLastDriveSource
	}

	if err := s.deps.Agents.RemoveDriveSource(ctx, agentID, sourceID); err != nil {
		return fmt.Errorf("failed to remove drive source: %w", err)
	}
	log := s.deps.Log.With(logging.Agent(agentID), logging.Source(sourceID))
	log.Info("Drive source removed")

	payload := drivesync.CleanupPayload{AgentID: agentID, DriveSourceID: sourceID}
	if err := s.deps.Queue.Enqueue(ctx, drivesync.TaskCleanupDriveSource, payload, 0); err != nil {
		return fmt.Errorf("failed to enqueue cleanup: %w", err)
	}
	log.Info("Cleanup task enqueued")
	return nil
}

// Delete removes the agent record, then its search store, files and sessions.
func (s *Service) Delete(ctx context.Context, caller auth.Claims, agentID string) error {
	a, err := s.Get(ctx, caller, agentID)
	if err != nil {
		return err
	}
	if err := s.deps.Agents.Delete(ctx, agentID); err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	s.deps.Log.Info("Agent deleted", logging.Agent(agentID))
	s.deps.Cleaner.CleanupAgent(context.WithoutCancel(ctx), *a)
	return nil
}

// TriggerSync starts a manual sync. Sources that never completed an initial
// sync get one; otherwise a single incremental sync covers the agent.
func (s *Service) TriggerSync(ctx context.Context, caller auth.Claims, agentID string) error {
	a, err := s.Get(ctx, caller, agentID)
	if err != nil {
		return err
	}
	if len(a.DriveSources) == 0 {
		return invalid("agent does not have Google Drive configured")
	}
	if a.SearchStoreID == nil || *a.SearchStoreID == "" {
		return invalid("agent does not have a search store configured")
	}
	if a.IsSyncing() {
		return ErrAgentSyncing
	}

	var pending []string
	for id, src := range a.DriveSources {
		if src.SyncPageToken == nil || *src.SyncPageToken == "" {
			pending = append(pending, id)
		}
	}
	if len(pending) > 0 {
		slices.Sort(pending)
		for _, id := range pending {
			if err := s.enqueueInitialSync(ctx, agentID, id); err != nil {
				return err
			}
		}
		return nil
	}

	payload := drivesync.IncrementalSyncPayload{AgentID: agentID}
	if err := s.deps.Queue.Enqueue(ctx, drivesync.TaskIncrementalSync, payload, 0); err != nil {
		return fmt.Errorf("failed to enqueue sync: %w", err)
	}
	s.deps.Log.Info("Manual sync triggered", logging.Agent(agentID))
	return nil
}
