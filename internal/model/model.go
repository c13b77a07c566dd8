package model

import "time"

// DriveType identifies where a drive source lives.
type DriveType string

const (
	DriveTypeMyDrive     DriveType = "myDrive"
	DriveTypeSharedDrive DriveType = "sharedDrive"
)

// SyncStatus is the aggregate sync state of a drive source.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// SyncStatuses lists every drive source status.
var SyncStatuses = []SyncStatus{SyncStatusPending, SyncStatusSyncing, SyncStatusSynced, SyncStatusError}

// CanTransition reports whether a drive source may move from s to next.
// Every state can re-enter syncing; synced and error are only reached from syncing.
func (s SyncStatus) CanTransition(next SyncStatus) bool {
	switch next {
	case SyncStatusSyncing:
		return true
	case SyncStatusSynced, SyncStatusError:
		return s == SyncStatusSyncing
	}
	return false
}

// SyncType distinguishes full enumeration runs from change-feed runs.
type SyncType string

const (
	SyncTypeInitial     SyncType = "initial"
	SyncTypeIncremental SyncType = "incremental"
)

// SessionStatus is the lifecycle state of a SyncSession.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
)

// FileOutcome is the recorded result of one file sync task.
type FileOutcome string

const (
	FileOutcomeSuccess FileOutcome = "success"
	FileOutcomeFailed  FileOutcome = "failed"
	FileOutcomeSkipped FileOutcome = "skipped"
)

// MaxFileResults caps the failure/skip details kept on a SyncSession.
const MaxFileResults = 200

// DefaultModel is used when an agent is created without a model.
const DefaultModel = "gemini-2.5-flash"

// SupportedModels lists the model selectors an agent may use.
var SupportedModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-2.5-flash-lite",
}

// Agent is a knowledge base fed by one or more drive sources.
type Agent struct {
	ID                 string                 `json:"id" dynamodbav:"agent_id"`
	CreatedBy          string                 `json:"createdBy" dynamodbav:"created_by"`
	Name               string                 `json:"name" dynamodbav:"name"`
	Description        string                 `json:"description" dynamodbav:"description"`
	SearchStoreID      *string                `json:"searchStoreId" dynamodbav:"search_store_id"`
	Model              string                 `json:"model" dynamodbav:"model"`
	AuthTokenEncrypted *string                `json:"-" dynamodbav:"auth_token_encrypted"`
	DriveSources       map[string]DriveSource `json:"driveSources" dynamodbav:"drive_sources"`
	CreatedAt          time.Time              `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt          time.Time              `json:"updatedAt" dynamodbav:"updated_at"`
}

// HasPageToken reports whether any drive source has completed an initial sync.
func (a *Agent) HasPageToken() bool {
	for _, src := range a.DriveSources {
		if src.SyncPageToken != nil {
			return true
		}
	}
	return false
}

// IsSyncing reports whether any drive source is currently syncing.
func (a *Agent) IsSyncing() bool {
	for _, src := range a.DriveSources {
		if src.SyncStatus == SyncStatusSyncing {
			return true
		}
	}
	return false
}

// DriveSource maps one Drive folder or shared drive into an agent.
type DriveSource struct {
	DriveType        DriveType  `json:"driveType" dynamodbav:"drive_type"`
	DriveID          *string    `json:"driveId" dynamodbav:"drive_id"`
	FolderID         string     `json:"folderId" dynamodbav:"folder_id"`
	SyncPageToken    *string    `json:"syncPageToken" dynamodbav:"sync_page_token"`
	SyncStatus       SyncStatus `json:"syncStatus" dynamodbav:"sync_status"`
	LastSyncedAt     *time.Time `json:"lastSyncedAt" dynamodbav:"last_synced_at"`
	SyncErrorMessage *string    `json:"syncErrorMessage" dynamodbav:"sync_error_message"`
	DisplayName      string     `json:"displayName" dynamodbav:"display_name"`
	CreatedAt        time.Time  `json:"createdAt" dynamodbav:"created_at"`
}

// IsSharedDrive reports whether the source lives on a shared drive.
func (s DriveSource) IsSharedDrive() bool {
	return s.DriveType == DriveTypeSharedDrive
}

// SharedDriveID returns the shared drive id, or "" when it is not set.
func (s DriveSource) SharedDriveID() string {
	if s.DriveID == nil {
		return ""
	}
	return *s.DriveID
}

// FileResult is a failure or skip detail recorded on a SyncSession.
type FileResult struct {
	FileID       string      `json:"fileId" dynamodbav:"file_id"`
	FileName     string      `json:"fileName" dynamodbav:"file_name"`
	MIMEType     string      `json:"mimeType" dynamodbav:"mime_type"`
	Status       FileOutcome `json:"status" dynamodbav:"status"`
	ErrorMessage string      `json:"errorMessage,omitempty" dynamodbav:"error_message,omitempty"`
	ProcessedAt  time.Time   `json:"processedAt" dynamodbav:"processed_at"`
}

// SyncSession tracks the per-file progress of one sync run.
type SyncSession struct {
	ID             string        `json:"id" dynamodbav:"session_id"`
	AgentID        string        `json:"agentId" dynamodbav:"agent_id"`
	DriveSourceID  string        `json:"driveSourceId" dynamodbav:"drive_source_id"`
	SyncType       SyncType      `json:"syncType" dynamodbav:"sync_type"`
	TotalFiles     int           `json:"totalFiles" dynamodbav:"total_files"`
	ProcessedFiles int           `json:"processedFiles" dynamodbav:"processed_files"`
	SuccessFiles   int           `json:"successFiles" dynamodbav:"success_files"`
	FailedFiles    int           `json:"failedFiles" dynamodbav:"failed_files"`
	SkippedFiles   int           `json:"skippedFiles" dynamodbav:"skipped_files"`
	Status         SessionStatus `json:"status" dynamodbav:"status"`
	PageToken      *string       `json:"pageToken" dynamodbav:"page_token"`
	FileResults    []FileResult  `json:"fileResults" dynamodbav:"file_results"`
	CreatedAt      time.Time     `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt      time.Time     `json:"updatedAt" dynamodbav:"updated_at"`
}

// AgentFile is a file indexed into an agent's search store.
type AgentFile struct {
	ID               string    `json:"id" dynamodbav:"file_id"`
	AgentID          string    `json:"agentId" dynamodbav:"agent_id"`
	DriveSourceID    string    `json:"driveSourceId" dynamodbav:"drive_source_id"`
	DriveFileID      string    `json:"driveFileId" dynamodbav:"drive_file_id"`
	SearchDocumentID string    `json:"searchDocumentId" dynamodbav:"search_document_id"`
	FileName         string    `json:"fileName" dynamodbav:"file_name"`
	MIMEType         string    `json:"mimeType" dynamodbav:"mime_type"`
	FileSize         *int64    `json:"fileSize" dynamodbav:"file_size"`
	MD5Checksum      *string   `json:"md5Checksum" dynamodbav:"md5_checksum"`
	ModifiedTime     time.Time `json:"modifiedTime" dynamodbav:"modified_time"`
	CreatedAt        time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// DriveFile is file metadata as reported by Drive. Size and ModifiedTime
// keep Drive's string encoding so task payloads round-trip unchanged.
type DriveFile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MIMEType     string   `json:"mimeType"`
	Size         *string  `json:"size"`
	MD5Checksum  *string  `json:"md5Checksum"`
	ModifiedTime *string  `json:"modifiedTime"`
	Parents      []string `json:"parents,omitempty"`
}

// DriveChange is one entry of the Drive changes feed.
type DriveChange struct {
	FileID  string     `json:"fileId"`
	Removed bool       `json:"removed"`
	File    *DriveFile `json:"file,omitempty"`
}

// Lease is an exclusive, expiring claim on an agent's orchestration.
type Lease struct {
	AgentID   string `json:"agent_id" dynamodbav:"agent_id"`
	Owner     string `json:"owner" dynamodbav:"owner"`
	ExpiresAt int64  `json:"expires_at" dynamodbav:"expires_at"` // TTL (Unix timestamp)
}
