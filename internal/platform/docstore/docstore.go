// Package docstore stores raw lab result documents. It defines the Store
// interface, an in-memory implementation for development and tests, a
// Postgres implementation, and Echo HTTP handlers for download, metadata
// retrieval and search.
package docstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound        = errors.New("document not found")
	ErrTooLarge        = errors.New("document exceeds maximum allowed size")
	ErrMissingFileName = errors.New("file name is required")
	ErrMissingCategory = errors.New("document category is required")
)

// MaxSize is the maximum allowed document size in bytes (32 MB).
const MaxSize = 32 * 1024 * 1024

// ContentTypeHL7 is the media type of raw HL7v2 result files.
const ContentTypeHL7 = "application/hl7-v2"

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Metadata describes a stored document.
type Metadata struct {
	ID          string            `json:"id"`
	ProcessorID string            `json:"processor_id"`
	Category    string            `json:"category"`
	FileName    string            `json:"file_name"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Hash        string            `json:"hash"`
	CreatedAt   time.Time         `json:"created_at"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// SearchParams specifies filter criteria for documents.
type SearchParams struct {
	ProcessorID   string
	Category      string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

func (p SearchParams) page() (limit, offset int) {
	limit = p.Limit
	if limit <= 0 {
		limit = 20
	}
	offset = p.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store is the contract for document storage backends. Put is idempotent on
// content: storing identical bytes again for the same processor returns the
// existing document.
type Store interface {
	Put(ctx context.Context, meta Metadata, content io.Reader) (*Metadata, error)
	Get(ctx context.Context, id string) (io.ReadCloser, *Metadata, error)
	GetMetadata(ctx context.Context, id string) (*Metadata, error)
	Search(ctx context.Context, params SearchParams) ([]*Metadata, int, error)
}

// prepare validates meta, reads content and fills size and hash.
func prepare(meta Metadata, content io.Reader) (Metadata, []byte, error) {
	if meta.FileName == "" {
		return meta, nil, ErrMissingFileName
	}
	if meta.Category == "" {
		return meta, nil, ErrMissingCategory
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxSize+1))
	if err != nil {
		return meta, nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxSize {
		return meta, nil, ErrTooLarge
	}

	h := sha256.Sum256(data)
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	if meta.ContentType == "" {
		meta.ContentType = ContentTypeHL7
	}
	if meta.Tags == nil {
		meta.Tags = make(map[string]string)
	}
	return meta, data, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedDoc struct {
	metadata Metadata
	content  []byte
}

// InMemoryStore is a thread-safe, in-memory Store.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*storedDoc
}

// NewInMemoryStore returns a ready-to-use InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		docs: make(map[string]*storedDoc),
	}
}

func (s *InMemoryStore) Put(_ context.Context, meta Metadata, content io.Reader) (*Metadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.docs {
		if d.metadata.ProcessorID == meta.ProcessorID && d.metadata.Hash == meta.Hash {
			out := d.metadata
			return &out, nil
		}
	}

	meta.ID = uuid.New().String()
	meta.CreatedAt = time.Now().UTC()
	s.docs[meta.ID] = &storedDoc{
		metadata: meta,
		content:  data,
	}

	out := meta // copy
	return &out, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (io.ReadCloser, *Metadata, error) {
	s.mu.RLock()
	doc, ok := s.docs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrNotFound
	}

	meta := doc.metadata // copy
	return io.NopCloser(bytes.NewReader(doc.content)), &meta, nil
}

func (s *InMemoryStore) GetMetadata(_ context.Context, id string) (*Metadata, error) {
	s.mu.RLock()
	doc, ok := s.docs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	meta := doc.metadata // copy
	return &meta, nil
}

// Search returns documents newest first.
func (s *InMemoryStore) Search(_ context.Context, params SearchParams) ([]*Metadata, int, error) {
	s.mu.RLock()
	var matched []*Metadata
	for _, d := range s.docs {
		if !matches(&d.metadata, params) {
			continue
		}
		m := d.metadata // copy
		matched = append(matched, &m)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	limit, offset := params.page()
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return matched[offset:end], total, nil
}

func matches(m *Metadata, p SearchParams) bool {
	if p.ProcessorID != "" && m.ProcessorID != p.ProcessorID {
		return false
	}
	if p.Category != "" && m.Category != p.Category {
		return false
	}
	if p.CreatedAfter != nil && m.CreatedAt.Before(*p.CreatedAfter) {
		return false
	}
	if p.CreatedBefore != nil && m.CreatedAt.After(*p.CreatedBefore) {
		return false
	}
	return true
}
