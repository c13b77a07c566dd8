package memory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/model"
)

type driveItem struct {
	file    model.DriveFile
	folder  bool
	content []byte
}

// Drive implements adapter.DriveClient with an in-memory folder tree and
// change log. It backs DEV_MODE and the sync engine tests.
// Page tokens are offsets into the change log.
type Drive struct {
	mu      sync.RWMutex
	items   map[string]*driveItem
	changes []model.DriveChange

	// Injected failures, keyed by file or folder id.
	downloadErrs map[string]error
	listErr      error
}

// NewDrive creates an empty drive holding a single root folder.
func NewDrive(rootID string) *Drive {
	d := &Drive{
		items:        make(map[string]*driveItem),
		downloadErrs: make(map[string]error),
	}
	d.items[rootID] = &driveItem{
		file:   model.DriveFile{ID: rootID, Name: rootID, MIMEType: adapter.FolderMimeType},
		folder: true,
	}
	return d
}

// AddFolder creates a folder under parentID.
func (d *Drive) AddFolder(id, parentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[id] = &driveItem{
		file:   model.DriveFile{ID: id, Name: id, MIMEType: adapter.FolderMimeType, Parents: []string{parentID}},
		folder: true,
	}
}

// PutFile creates or replaces a file under parentID and logs a change.
// Size and checksum are derived from content unless the file is a Workspace type.
func (d *Drive) PutFile(id, name, mimeType, parentID string, content []byte) model.DriveFile {
	d.mu.Lock()
	defer d.mu.Unlock()

	mt := time.Now().UTC().Format(time.RFC3339Nano)
	f := model.DriveFile{
		ID:           id,
		Name:         name,
		MIMEType:     mimeType,
		ModifiedTime: &mt,
		Parents:      []string{parentID},
	}
	if !adapter.IsWorkspaceFile(mimeType) {
		size := strconv.Itoa(len(content))
		sum := checksum(content)
		f.Size = &size
		f.MD5Checksum = &sum
	}
	d.items[id] = &driveItem{file: f, content: content}
	d.logChange(model.DriveChange{FileID: id, File: copyFile(f)})
	return f
}

// MoveFile reparents a file and logs a change.
func (d *Drive) MoveFile(id, newParentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	item, ok := d.items[id]
	if !ok {
		return adapter.ErrNotFound
	}
	item.file.Parents = []string{newParentID}
	d.logChange(model.DriveChange{FileID: id, File: copyFile(item.file)})
	return nil
}

// RemoveFile deletes a file and logs a removal.
func (d *Drive) RemoveFile(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.items, id)
	d.logChange(model.DriveChange{FileID: id, Removed: true})
}

// FailDownload makes Download of fileID return err.
func (d *Drive) FailDownload(fileID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.downloadErrs, fileID)
		return
	}
	d.downloadErrs[fileID] = err
}

// FailListing makes every listing call return err until cleared with nil.
func (d *Drive) FailListing(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listErr = err
}

func (d *Drive) logChange(c model.DriveChange) {
	d.changes = append(d.changes, c)
}

// ListSubfolderIDs walks folders breadth first from the source's target folder.
func (d *Drive) ListSubfolderIDs(ctx context.Context, src model.DriveSource) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	return d.subfolders(src.FolderID), nil
}

func (d *Drive) subfolders(root string) []string {
	visited := map[string]struct{}{root: {}}
	all := []string{root}
	frontier := []string{root}
	for len(frontier) > 0 {
		var next []string
		for _, parent := range frontier {
			for id, item := range d.items {
				if !item.folder || !hasParent(item.file, parent) {
					continue
				}
				if _, seen := visited[id]; seen {
					continue
				}
				visited[id] = struct{}{}
				all = append(all, id)
				next = append(next, id)
			}
		}
		frontier = next
	}
	return all
}

// ListAllFiles returns every non-folder file under the target folder tree.
func (d *Drive) ListAllFiles(ctx context.Context, src model.DriveSource) ([]model.DriveFile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listErr != nil {
		return nil, d.listErr
	}

	folders := make(map[string]struct{})
	for _, id := range d.subfolders(src.FolderID) {
		folders[id] = struct{}{}
	}

	var files []model.DriveFile
	for _, item := range d.items {
		if item.folder {
			continue
		}
		for _, p := range item.file.Parents {
			if _, ok := folders[p]; ok {
				files = append(files, *copyFile(item.file))
				break
			}
		}
	}
	return files, nil
}

// ListChanges returns every change logged since the source's page token.
func (d *Drive) ListChanges(ctx context.Context, src model.DriveSource) (*adapter.ChangeList, error) {
	if src.SyncPageToken == nil || *src.SyncPageToken == "" {
		return nil, fmt.Errorf("sync page token is not set, run an initial sync first: %w", adapter.ErrPreconditionFailed)
	}
	offset, err := strconv.Atoi(*src.SyncPageToken)
	if err != nil {
		return nil, fmt.Errorf("invalid page token %q: %w", *src.SyncPageToken, err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	if offset > len(d.changes) {
		offset = len(d.changes)
	}

	out := &adapter.ChangeList{NewStartPageToken: strconv.Itoa(len(d.changes))}
	out.Changes = append(out.Changes, d.changes[offset:]...)
	return out, nil
}

// GetStartPageToken returns the current end of the change log.
func (d *Drive) GetStartPageToken(ctx context.Context, src model.DriveSource) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return strconv.Itoa(len(d.changes)), nil
}

// Download returns the stored content. Workspace files export as a PDF stub.
func (d *Drive) Download(ctx context.Context, fileID, mimeType string, sharedDrive bool) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err, ok := d.downloadErrs[fileID]; ok {
		return nil, err
	}
	item, ok := d.items[fileID]
	if !ok {
		return nil, fmt.Errorf("download %s: %w", fileID, adapter.ErrNotFound)
	}
	if adapter.IsWorkspaceFile(mimeType) {
		if adapter.ExportMimeType(mimeType) == "" {
			return nil, nil
		}
		return append([]byte("%PDF-"), item.content...), nil
	}
	return append([]byte{}, item.content...), nil
}

func hasParent(f model.DriveFile, parent string) bool {
	for _, p := range f.Parents {
		if p == parent {
			return true
		}
	}
	return false
}

func copyFile(f model.DriveFile) *model.DriveFile {
	c := f
	c.Parents = append([]string(nil), f.Parents...)
	return &c
}

func checksum(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}
