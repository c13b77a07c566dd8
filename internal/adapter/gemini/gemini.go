// Package gemini implements adapter.SearchStore on Gemini File Search stores.
package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/jun/agentsync/internal/adapter"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollAttempts = 60
)

// fileSearchAPI is the slice of the genai client this package drives.
type fileSearchAPI interface {
	CreateStore(ctx context.Context, displayName string) (*genai.FileSearchStore, error)
	Upload(ctx context.Context, storeID string, content []byte, config *genai.UploadToFileSearchStoreConfig) (*genai.UploadToFileSearchStoreOperation, error)
	GetOperation(ctx context.Context, op *genai.UploadToFileSearchStoreOperation) (*genai.UploadToFileSearchStoreOperation, error)
	DeleteDocument(ctx context.Context, name string) error
	DeleteStore(ctx context.Context, name string) error
}

type genaiAPI struct {
	client *genai.Client
}

func (g genaiAPI) CreateStore(ctx context.Context, displayName string) (*genai.FileSearchStore, error) {
	return g.client.FileSearchStores.Create(ctx, &genai.CreateFileSearchStoreConfig{DisplayName: displayName})
}

func (g genaiAPI) Upload(ctx context.Context, storeID string, content []byte, config *genai.UploadToFileSearchStoreConfig) (*genai.UploadToFileSearchStoreOperation, error) {
	return g.client.FileSearchStores.UploadToFileSearchStore(ctx, bytes.NewReader(content), storeID, config)
}

func (g genaiAPI) GetOperation(ctx context.Context, op *genai.UploadToFileSearchStoreOperation) (*genai.UploadToFileSearchStoreOperation, error) {
	return g.client.Operations.GetUploadToFileSearchStoreOperation(ctx, op, nil)
}

func (g genaiAPI) DeleteDocument(ctx context.Context, name string) error {
	return g.client.FileSearchStores.Documents.Delete(ctx, name, &genai.DeleteDocumentConfig{Force: genai.Ptr(true)})
}

func (g genaiAPI) DeleteStore(ctx context.Context, name string) error {
	return g.client.FileSearchStores.Delete(ctx, name, &genai.DeleteFileSearchStoreConfig{Force: genai.Ptr(true)})
}

// Store implements adapter.SearchStore.
type Store struct {
	api          fileSearchAPI
	pollInterval time.Duration
	pollAttempts int
}

// NewStore creates a Store backed by the Gemini API.
func NewStore(ctx context.Context, apiKey string, pollInterval time.Duration, pollAttempts int) (*Store, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create genai client: %w", err)
	}
	return newStore(genaiAPI{client: client}, pollInterval, pollAttempts), nil
}

func newStore(api fileSearchAPI, pollInterval time.Duration, pollAttempts int) *Store {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if pollAttempts <= 0 {
		pollAttempts = DefaultPollAttempts
	}
	return &Store{api: api, pollInterval: pollInterval, pollAttempts: pollAttempts}
}

// CreateStore provisions a file search store.
func (s *Store) CreateStore(ctx context.Context, displayName string) (string, error) {
	store, err := s.api.CreateStore(ctx, displayName)
	if err != nil {
		return "", fmt.Errorf("unable to create file search store: %w", err)
	}
	if store == nil || store.Name == "" {
		return "", errors.New("file search store was created without a name")
	}
	return store.Name, nil
}

// UploadDocument uploads content and polls the import operation until done.
func (s *Store) UploadDocument(ctx context.Context, req adapter.UploadRequest) (string, error) {
	op, err := s.api.Upload(ctx, req.StoreID, req.Content, &genai.UploadToFileSearchStoreConfig{
		MIMEType:    req.MIMEType,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		return "", fmt.Errorf("unable to upload %s: %w", req.DisplayName, err)
	}

	for attempt := 0; !op.Done; attempt++ {
		if attempt >= s.pollAttempts {
			return "", fmt.Errorf("upload of %s did not finish after %d polls", req.DisplayName, s.pollAttempts)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.pollInterval):
		}
		op, err = s.api.GetOperation(ctx, op)
		if err != nil {
			return "", fmt.Errorf("unable to poll upload of %s: %w", req.DisplayName, err)
		}
	}

	if op.Error != nil {
		return "", fmt.Errorf("upload of %s failed: %v", req.DisplayName, op.Error["message"])
	}
	if op.Response == nil || op.Response.DocumentName == "" {
		return "", fmt.Errorf("upload of %s returned no document name", req.DisplayName)
	}
	return op.Response.DocumentName, nil
}

// DeleteDocument deletes a document and its chunks. A missing document is ignored.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	if documentID == "" {
		return nil
	}
	if err := s.api.DeleteDocument(ctx, documentID); err != nil && !isNotFound(err) {
		return fmt.Errorf("unable to delete document %s: %w", documentID, err)
	}
	return nil
}

// DeleteStore deletes a store and every document in it.
func (s *Store) DeleteStore(ctx context.Context, storeID string) error {
	if err := s.api.DeleteStore(ctx, storeID); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("unable to delete file search store %s: %w", storeID, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound
	}
	return false
}
