package gemini

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/jun/agentsync/internal/adapter"
)

type fakeAPI struct {
	pollsUntilDone int
	polls          int
	finalErr       map[string]any
	uploadConfig   *genai.UploadToFileSearchStoreConfig
	deleteErr      error
	deleted        []string
}

func (f *fakeAPI) CreateStore(ctx context.Context, displayName string) (*genai.FileSearchStore, error) {
	return &genai.FileSearchStore{Name: "fileSearchStores/" + displayName}, nil
}

func (f *fakeAPI) Upload(ctx context.Context, storeID string, content []byte, config *genai.UploadToFileSearchStoreConfig) (*genai.UploadToFileSearchStoreOperation, error) {
	f.uploadConfig = config
	return f.op(storeID), nil
}

func (f *fakeAPI) GetOperation(ctx context.Context, op *genai.UploadToFileSearchStoreOperation) (*genai.UploadToFileSearchStoreOperation, error) {
	f.polls++
	return f.op(op.Name), nil
}

func (f *fakeAPI) op(storeID string) *genai.UploadToFileSearchStoreOperation {
	if f.polls < f.pollsUntilDone {
		return &genai.UploadToFileSearchStoreOperation{Name: storeID}
	}
	if f.finalErr != nil {
		return &genai.UploadToFileSearchStoreOperation{Name: storeID, Done: true, Error: f.finalErr}
	}
	return &genai.UploadToFileSearchStoreOperation{
		Name:     storeID,
		Done:     true,
		Response: &genai.UploadToFileSearchStoreResponse{DocumentName: storeID + "/documents/d1"},
	}
}

func (f *fakeAPI) DeleteDocument(ctx context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return f.deleteErr
}

func (f *fakeAPI) DeleteStore(ctx context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return f.deleteErr
}

func TestUploadDocument_PollsUntilDone(t *testing.T) {
	api := &fakeAPI{pollsUntilDone: 3}
	s := newStore(api, time.Millisecond, 10)

	id, err := s.UploadDocument(context.Background(), adapter.UploadRequest{
		StoreID: "fileSearchStores/s1", DisplayName: "a.pdf", MIMEType: "application/pdf", Content: []byte("x"),
	})
	require.NoError(t, err)
	assert.Equal(t, "fileSearchStores/s1/documents/d1", id)
	assert.Equal(t, 3, api.polls)
	require.NotNil(t, api.uploadConfig)
	assert.Equal(t, "application/pdf", api.uploadConfig.MIMEType)
	assert.Equal(t, "a.pdf", api.uploadConfig.DisplayName)
}

func TestUploadDocument_GivesUpAfterPollLimit(t *testing.T) {
	api := &fakeAPI{pollsUntilDone: 100}
	s := newStore(api, time.Millisecond, 2)

	_, err := s.UploadDocument(context.Background(), adapter.UploadRequest{StoreID: "s", DisplayName: "a", MIMEType: "text/plain"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not finish after 2 polls")
}

func TestUploadDocument_OperationError(t *testing.T) {
	api := &fakeAPI{finalErr: map[string]any{"message": "unsupported"}}
	s := newStore(api, time.Millisecond, 2)

	_, err := s.UploadDocument(context.Background(), adapter.UploadRequest{StoreID: "s", DisplayName: "a", MIMEType: "text/plain"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

func TestUploadDocument_ContextCancelled(t *testing.T) {
	api := &fakeAPI{pollsUntilDone: 5}
	s := newStore(api, time.Hour, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.UploadDocument(ctx, adapter.UploadRequest{StoreID: "s", DisplayName: "a", MIMEType: "text/plain"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeleteDocument_IgnoresNotFound(t *testing.T) {
	api := &fakeAPI{deleteErr: fmt.Errorf("wrapped: %w", genai.APIError{Code: 404, Message: "gone"})}
	s := newStore(api, 0, 0)

	assert.NoError(t, s.DeleteDocument(context.Background(), "doc"))
	assert.NoError(t, s.DeleteStore(context.Background(), "store"))
	assert.NoError(t, s.DeleteDocument(context.Background(), ""))
	assert.Equal(t, []string{"doc", "store"}, api.deleted)
}

func TestDeleteDocument_PropagatesOtherErrors(t *testing.T) {
	api := &fakeAPI{deleteErr: errors.New("quota")}
	s := newStore(api, 0, 0)

	assert.Error(t, s.DeleteDocument(context.Background(), "doc"))
	assert.Error(t, s.DeleteStore(context.Background(), "store"))
}

func TestCreateStore(t *testing.T) {
	s := newStore(&fakeAPI{}, 0, 0)
	id, err := s.CreateStore(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "fileSearchStores/agent-1", id)
}

func TestNewStoreDefaults(t *testing.T) {
	s := newStore(&fakeAPI{}, 0, 0)
	assert.Equal(t, DefaultPollInterval, s.pollInterval)
	assert.Equal(t, DefaultPollAttempts, s.pollAttempts)
}
