package googledrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/model"
)

const (
	// DefaultConcurrency bounds in-flight Drive requests across one adapter.
	DefaultConcurrency = 50
	pageSize           = 1000

	fileFields   = "nextPageToken,files(id,name,mimeType,modifiedTime,md5Checksum,size)"
	folderFields = "nextPageToken,files(id)"
	changeFields = "newStartPageToken,nextPageToken,changes(fileId,removed,file(id,name,mimeType,modifiedTime,md5Checksum,size,parents))"
)

// Settings tunes request concurrency and rate.
type Settings struct {
	Concurrency int
	// QPS caps request starts per second. Zero disables the limiter.
	QPS float64
}

// DriveAdapter implements adapter.DriveClient for Google Drive.
type DriveAdapter struct {
	service *drive.Service
	sem     *semaphore.Weighted
	limit   int
	limiter *rate.Limiter
}

// NewDriveAdapter creates a new DriveAdapter.
// client should carry credentials with at least drive.readonly scope.
func NewDriveAdapter(ctx context.Context, client *http.Client, settings Settings, opts ...option.ClientOption) (*DriveAdapter, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Drive client: %w", err)
	}

	limit := settings.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	d := &DriveAdapter{
		service: srv,
		sem:     semaphore.NewWeighted(int64(limit)),
		limit:   limit,
	}
	if settings.QPS > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(settings.QPS), limit)
	}
	return d, nil
}

// acquire reserves a request slot. The returned func releases it.
func (d *DriveAdapter) acquire(ctx context.Context) (func(), error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.sem.Release(1)
			return nil, err
		}
	}
	return func() { d.sem.Release(1) }, nil
}

// ListSubfolderIDs walks the folder tree breadth first. Each frontier level
// is listed in parallel; the visited set stops cycles and shortcut loops.
func (d *DriveAdapter) ListSubfolderIDs(ctx context.Context, src model.DriveSource) ([]string, error) {
	root := src.FolderID
	visited := map[string]struct{}{root: {}}
	all := []string{root}
	frontier := []string{root}

	for len(frontier) > 0 {
		levels, err := fanOut(ctx, d.limit, frontier, func(ctx context.Context, parentID string) ([]string, error) {
			return d.listChildFolders(ctx, src, parentID)
		})
		if err != nil {
			return nil, err
		}

		var next []string
		for _, children := range levels {
			for _, id := range children {
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
	return all, nil
}

// ListAllFiles lists non-folder files in the target folder and every subfolder.
func (d *DriveAdapter) ListAllFiles(ctx context.Context, src model.DriveSource) ([]model.DriveFile, error) {
	folderIDs, err := d.ListSubfolderIDs(ctx, src)
	if err != nil {
		return nil, err
	}

	perFolder, err := fanOut(ctx, d.limit, folderIDs, func(ctx context.Context, folderID string) ([]model.DriveFile, error) {
		return d.listFolderFiles(ctx, src, folderID)
	})
	if err != nil {
		return nil, err
	}

	var files []model.DriveFile
	for _, batch := range perFolder {
		files = append(files, batch...)
	}
	return files, nil
}

func (d *DriveAdapter) listChildFolders(ctx context.Context, src model.DriveSource, parentID string) ([]string, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false and mimeType = '%s'", escapeQuery(parentID), adapter.FolderMimeType)

	var ids []string
	err := d.paginateFiles(ctx, src, q, folderFields, func(f *drive.File) {
		if f.Id != "" {
			ids = append(ids, f.Id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list subfolders of %s: %w", parentID, err)
	}
	return ids, nil
}

func (d *DriveAdapter) listFolderFiles(ctx context.Context, src model.DriveSource, folderID string) ([]model.DriveFile, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false and mimeType != '%s'", escapeQuery(folderID), adapter.FolderMimeType)

	var files []model.DriveFile
	err := d.paginateFiles(ctx, src, q, fileFields, func(f *drive.File) {
		files = append(files, toDriveFile(f))
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list files in %s: %w", folderID, err)
	}
	return files, nil
}

// checkSource rejects a shared drive source that has no drive id.
func checkSource(src model.DriveSource) error {
	if src.IsSharedDrive() && src.SharedDriveID() == "" {
		return fmt.Errorf("shared drive source has no drive id: %w", adapter.ErrPreconditionFailed)
	}
	return nil
}

func (d *DriveAdapter) paginateFiles(ctx context.Context, src model.DriveSource, q, fields string, fn func(*drive.File)) error {
	if err := checkSource(src); err != nil {
		return err
	}
	pageToken := ""
	for {
		call := d.service.Files.List().
			Q(q).
			Fields(googleapi.Field(fields)).
			PageSize(pageSize).
			Context(ctx)
		if src.IsSharedDrive() {
			call = call.DriveId(src.SharedDriveID()).
				Corpora("drive").
				IncludeItemsFromAllDrives(true).
				SupportsAllDrives(true)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		release, err := d.acquire(ctx)
		if err != nil {
			return err
		}
		r, err := call.Do()
		release()
		if err != nil {
			return mapError(err)
		}

		for _, f := range r.Files {
			fn(f)
		}
		if r.NextPageToken == "" {
			return nil
		}
		pageToken = r.NextPageToken
	}
}

// ListChanges pages through the changes feed from the source's page token.
func (d *DriveAdapter) ListChanges(ctx context.Context, src model.DriveSource) (*adapter.ChangeList, error) {
	if src.SyncPageToken == nil || *src.SyncPageToken == "" {
		return nil, fmt.Errorf("sync page token is not set, run an initial sync first: %w", adapter.ErrPreconditionFailed)
	}
	if err := checkSource(src); err != nil {
		return nil, err
	}

	result := &adapter.ChangeList{}
	pageToken := *src.SyncPageToken
	for pageToken != "" {
		call := d.service.Changes.List(pageToken).
			PageSize(pageSize).
			IncludeRemoved(true).
			Fields(googleapi.Field(changeFields)).
			Context(ctx)
		if src.IsSharedDrive() {
			call = call.DriveId(src.SharedDriveID()).
				IncludeItemsFromAllDrives(true).
				SupportsAllDrives(true)
		}

		release, err := d.acquire(ctx)
		if err != nil {
			return nil, err
		}
		r, err := call.Do()
		release()
		if err != nil {
			return nil, fmt.Errorf("unable to list changes: %w", mapError(err))
		}

		for _, c := range r.Changes {
			change := model.DriveChange{FileID: c.FileId, Removed: c.Removed}
			if c.File != nil {
				f := toDriveFile(c.File)
				change.File = &f
			}
			result.Changes = append(result.Changes, change)
		}
		if r.NewStartPageToken != "" {
			result.NewStartPageToken = r.NewStartPageToken
		}
		pageToken = r.NextPageToken
	}
	return result, nil
}

// GetStartPageToken issues a changes cursor scoped to the source's drive.
func (d *DriveAdapter) GetStartPageToken(ctx context.Context, src model.DriveSource) (string, error) {
	if err := checkSource(src); err != nil {
		return "", err
	}
	call := d.service.Changes.GetStartPageToken().Context(ctx)
	if src.IsSharedDrive() {
		call = call.DriveId(src.SharedDriveID()).SupportsAllDrives(true)
	}

	release, err := d.acquire(ctx)
	if err != nil {
		return "", err
	}
	r, err := call.Do()
	release()
	if err != nil {
		return "", fmt.Errorf("unable to get start page token: %w", mapError(err))
	}
	if r.StartPageToken == "" {
		return "", errors.New("failed to get start page token")
	}
	return r.StartPageToken, nil
}

// Download exports Workspace files to PDF and downloads other files as media.
func (d *DriveAdapter) Download(ctx context.Context, fileID, mimeType string, sharedDrive bool) ([]byte, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var resp *http.Response
	if adapter.IsWorkspaceFile(mimeType) {
		exportType := adapter.ExportMimeType(mimeType)
		if exportType == "" {
			return nil, nil
		}
		resp, err = d.service.Files.Export(fileID, exportType).Context(ctx).Download()
	} else {
		resp, err = d.service.Files.Get(fileID).SupportsAllDrives(sharedDrive).Context(ctx).Download()
	}
	if err != nil {
		return nil, fmt.Errorf("unable to download file %s: %w", fileID, mapError(err))
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read file content: %w", err)
	}
	if content == nil {
		content = []byte{}
	}
	return content, nil
}

// fanOut runs fn for every id under a concurrency limit and keeps results in
// input order. The first error cancels the remaining calls.
func fanOut[T any](ctx context.Context, limit int, ids []string, fn func(context.Context, string) ([]T, error)) ([][]T, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	results := make([][]T, len(ids))
	for i, id := range ids {
		g.Go(func() error {
			r, err := fn(gctx, id)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func toDriveFile(f *drive.File) model.DriveFile {
	out := model.DriveFile{
		ID:       f.Id,
		Name:     f.Name,
		MIMEType: f.MimeType,
		Parents:  f.Parents,
	}
	// Workspace files report no size.
	if f.Size > 0 {
		s := strconv.FormatInt(f.Size, 10)
		out.Size = &s
	}
	if f.Md5Checksum != "" {
		md5 := f.Md5Checksum
		out.MD5Checksum = &md5
	}
	if f.ModifiedTime != "" {
		mt := f.ModifiedTime
		out.ModifiedTime = &mt
	}
	return out
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}

func mapError(err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %v", adapter.ErrNotFound, err)
	}
	return err
}

func isNotFound(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusNotFound
	}
	return false
}
