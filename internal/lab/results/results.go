// Package results persists parsed lab results before they are acknowledged
// to the lab. The raw HL7 goes to the document store and a ledger row
// records what was received, from where and under which tag.
package results

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/lab/parser"
	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/platform/docstore"
)

var ErrNotFound = errors.New("result not found")

// DefaultCategory is used when a processor has no document category.
const DefaultCategory = "lab-results"

// Record is one row of the result ledger.
type Record struct {
	ID               string    `json:"id"`
	MessageID        string    `json:"message_id"`
	ProcessorID      string    `json:"processor_id"`
	ControlID        string    `json:"control_id,omitempty"`
	BatchID          string    `json:"batch_id,omitempty"`
	Artifact         string    `json:"artifact"`
	Tag              string    `json:"tag"`
	DocumentID       string    `json:"document_id"`
	PatientID        string    `json:"patient_id,omitempty"`
	OrderNumber      string    `json:"order_number,omitempty"`
	ReportCount      int       `json:"report_count"`
	ObservationCount int       `json:"observation_count"`
	ReceivedAt       time.Time `json:"received_at"`
	StoredAt         time.Time `json:"stored_at"`
}

// ListParams filters ledger rows.
type ListParams struct {
	ProcessorID string
	PatientID   string
	Limit       int
	Offset      int
}

func (p ListParams) page() (limit, offset int) {
	limit = p.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset = p.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Ledger records stored results. Insert is idempotent per processor and
// document: inserting a row for a document already recorded returns the
// existing row.
type Ledger interface {
	Insert(ctx context.Context, r *Record) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, p ListParams) ([]*Record, int, error)
}

// ---------------------------------------------------------------------------
// In-memory ledger
// ---------------------------------------------------------------------------

type InMemoryLedger struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{records: make(map[string]*Record)}
}

func (l *InMemoryLedger) Insert(_ context.Context, r *Record) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.records {
		if existing.ProcessorID == r.ProcessorID && existing.DocumentID == r.DocumentID {
			out := *existing
			return &out, nil
		}
	}
	rec := *r
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	l.records[rec.ID] = &rec
	out := rec
	return &out, nil
}

func (l *InMemoryLedger) Get(_ context.Context, id string) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

// List returns rows newest first.
func (l *InMemoryLedger) List(_ context.Context, p ListParams) ([]*Record, int, error) {
	l.mu.RLock()
	var matched []*Record
	for _, r := range l.records {
		if p.ProcessorID != "" && r.ProcessorID != p.ProcessorID {
			continue
		}
		if p.PatientID != "" && r.PatientID != p.PatientID {
			continue
		}
		out := *r
		matched = append(matched, &out)
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StoredAt.Equal(matched[j].StoredAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].StoredAt.After(matched[j].StoredAt)
	})

	total := len(matched)
	limit, offset := p.page()
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// ---------------------------------------------------------------------------
// Sink
// ---------------------------------------------------------------------------

// Sink stores parsed messages. A message is safe to acknowledge only after
// Store returns nil.
type Sink struct {
	docs   docstore.Store
	ledger Ledger
	logger zerolog.Logger
	now    func() time.Time
}

func NewSink(docs docstore.Store, ledger Ledger, logger zerolog.Logger) *Sink {
	return &Sink{
		docs:   docs,
		ledger: ledger,
		logger: logger.With().Str("component", "results").Logger(),
		now:    time.Now,
	}
}

// Ledger exposes the underlying ledger for read access.
func (s *Sink) Ledger() Ledger { return s.ledger }

// Store writes the raw HL7 of msg under the processor's document category
// and records a ledger row pointing at it.
func (s *Sink) Store(ctx context.Context, cfg *processor.Config, msg *parser.ResultMessage) (*Record, error) {
	if msg == nil {
		return nil, errors.New("results: nil message")
	}
	category := cfg.DocumentCategory
	if category == "" {
		category = DefaultCategory
	}

	doc, err := s.docs.Put(ctx, docstore.Metadata{
		ProcessorID: cfg.ID,
		Category:    category,
		FileName:    fileName(msg),
		ContentType: docstore.ContentTypeHL7,
		Tags: map[string]string{
			"tag":        msg.Tag.String(),
			"control_id": msg.ControlID,
			"message_id": msg.ID,
		},
	}, strings.NewReader(msg.Raw))
	if err != nil {
		return nil, fmt.Errorf("results: store document for %s: %w", msg.Artifact.Name, err)
	}

	rec := &Record{
		MessageID:   msg.ID,
		ProcessorID: cfg.ID,
		ControlID:   msg.ControlID,
		BatchID:     msg.BatchID,
		Artifact:    msg.Artifact.Name,
		Tag:         msg.Tag.String(),
		DocumentID:  doc.ID,
		ReportCount: len(msg.Reports),
		ReceivedAt:  msg.ReceivedAt,
		StoredAt:    s.now().UTC(),
	}
	for _, r := range msg.Reports {
		if rec.PatientID == "" {
			rec.PatientID = r.PatientID
		}
		if rec.OrderNumber == "" {
			rec.OrderNumber = r.OrderNumber
		}
		for _, o := range r.Orders {
			rec.ObservationCount += len(o.Observations)
		}
	}

	out, err := s.ledger.Insert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("results: record %s: %w", msg.Artifact.Name, err)
	}
	s.logger.Debug().
		Str("processor", cfg.ID).
		Str("artifact", msg.Artifact.Name).
		Str("document", doc.ID).
		Int("observations", out.ObservationCount).
		Msg("result stored")
	return out, nil
}

// fileName names the stored document after its artifact. SOAP results have
// no file, so the hub result id is given an .hl7 extension.
func fileName(msg *parser.ResultMessage) string {
	name := msg.Artifact.Name
	if name == "" {
		name = msg.ID
	}
	if !strings.Contains(name, ".") {
		name += ".hl7"
	}
	return name
}
