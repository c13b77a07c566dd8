package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jun/agentsync/internal/adapter"
)

type document struct {
	storeID     string
	displayName string
	mimeType    string
	content     []byte
}

// SearchStore implements adapter.SearchStore in memory. Ids follow the
// fileSearchStores/{store}/documents/{doc} shape of the managed service.
type SearchStore struct {
	mu     sync.Mutex
	seq    int
	stores map[string]string
	docs   map[string]*document

	uploadErr  error
	deleteErrs map[string]error
}

// NewSearchStore creates an empty in-memory search store.
func NewSearchStore() *SearchStore {
	return &SearchStore{
		stores:     make(map[string]string),
		docs:       make(map[string]*document),
		deleteErrs: make(map[string]error),
	}
}

// FailUploads makes every UploadDocument return err until cleared with nil.
func (s *SearchStore) FailUploads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadErr = err
}

// FailDelete makes DeleteDocument or DeleteStore for id return err.
func (s *SearchStore) FailDelete(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteErrs[id] = err
}

func (s *SearchStore) CreateStore(ctx context.Context, displayName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("fileSearchStores/mem-%d", s.seq)
	s.stores[id] = displayName
	return id, nil
}

func (s *SearchStore) UploadDocument(ctx context.Context, req adapter.UploadRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	if _, ok := s.stores[req.StoreID]; !ok {
		return "", fmt.Errorf("store %s: %w", req.StoreID, adapter.ErrNotFound)
	}
	if req.MIMEType == "" {
		return "", fmt.Errorf("mime type is required")
	}
	s.seq++
	id := fmt.Sprintf("%s/documents/doc-%d", req.StoreID, s.seq)
	s.docs[id] = &document{
		storeID:     req.StoreID,
		displayName: req.DisplayName,
		mimeType:    req.MIMEType,
		content:     append([]byte(nil), req.Content...),
	}
	return id, nil
}

func (s *SearchStore) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.deleteErrs[documentID]; ok {
		return err
	}
	delete(s.docs, documentID)
	return nil
}

func (s *SearchStore) DeleteStore(ctx context.Context, storeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.deleteErrs[storeID]; ok {
		return err
	}
	delete(s.stores, storeID)
	for id, doc := range s.docs {
		if doc.storeID == storeID {
			delete(s.docs, id)
		}
	}
	return nil
}

// Documents lists the document ids in a store, sorted.
func (s *SearchStore) Documents(storeID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.docs {
		if strings.HasPrefix(id, storeID+"/") {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Content returns the indexed bytes of a document.
func (s *SearchStore) Content(documentID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return nil, false
	}
	return doc.content, true
}

// HasStore reports whether a store exists.
func (s *SearchStore) HasStore(storeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stores[storeID]
	return ok
}
