package adapter

import (
	"context"

	"github.com/jun/agentsync/internal/model"
)

// FolderMimeType is the Drive MIME type of folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// ChangeList is the accumulated result of paging through the changes feed.
type ChangeList struct {
	Changes []model.DriveChange
	// NewStartPageToken is empty when the feed did not issue one.
	NewStartPageToken string
}

// DriveClient defines the Drive operations the sync engine depends on.
// This abstraction keeps the orchestrator and file tasks independent of the
// Drive SDK so they can run against an in-memory drive in tests.
type DriveClient interface {
	// ListAllFiles returns every non-folder file under the source's target
	// folder, descending into subfolders.
	ListAllFiles(ctx context.Context, src model.DriveSource) ([]model.DriveFile, error)

	// ListSubfolderIDs returns the target folder id plus every folder id below it.
	ListSubfolderIDs(ctx context.Context, src model.DriveSource) ([]string, error)

	// ListChanges pages through the changes feed starting at the source's
	// page token. It returns ErrPreconditionFailed when the source has none.
	ListChanges(ctx context.Context, src model.DriveSource) (*ChangeList, error)

	// GetStartPageToken issues a fresh changes cursor for the source's drive.
	GetStartPageToken(ctx context.Context, src model.DriveSource) (string, error)

	// Download exports Workspace files to PDF and fetches everything else as
	// raw media. It returns nil content only for a Workspace type with no
	// export format; an empty file yields an empty, non-nil body.
	Download(ctx context.Context, fileID, mimeType string, sharedDrive bool) ([]byte, error)
}

// UploadRequest describes a document to index.
type UploadRequest struct {
	StoreID     string
	DisplayName string
	MIMEType    string
	Content     []byte
}

// SearchStore defines the managed file-search index operations.
type SearchStore interface {
	// CreateStore provisions a store and returns its id.
	CreateStore(ctx context.Context, displayName string) (string, error)

	// UploadDocument indexes content and waits until the document is ready.
	// It returns the document id.
	UploadDocument(ctx context.Context, req UploadRequest) (string, error)

	// DeleteDocument removes an indexed document. Deleting a missing
	// document is not an error.
	DeleteDocument(ctx context.Context, documentID string) error

	// DeleteStore removes a store and all of its documents.
	DeleteStore(ctx context.Context, storeID string) error
}
