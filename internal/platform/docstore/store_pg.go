package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labsync/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore keeps documents in the lab_document table.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const docCols = `id, processor_id, category, file_name, content_type, size, hash, tags, created_at`

func scanMetadata(row pgx.Row) (*Metadata, error) {
	var m Metadata
	var id uuid.UUID
	err := row.Scan(&id, &m.ProcessorID, &m.Category, &m.FileName, &m.ContentType,
		&m.Size, &m.Hash, &m.Tags, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.ID = id.String()
	return &m, nil
}

func (s *PGStore) Put(ctx context.Context, meta Metadata, content io.Reader) (*Metadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	out, err := scanMetadata(s.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_document (id, processor_id, category, file_name, content_type, size, hash, tags, content)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (processor_id, hash) DO NOTHING
		RETURNING `+docCols,
		uuid.New(), meta.ProcessorID, meta.Category, meta.FileName, meta.ContentType,
		meta.Size, meta.Hash, meta.Tags, data))
	if errors.Is(err, ErrNotFound) {
		// Same bytes already stored for this processor.
		return scanMetadata(s.conn(ctx).QueryRow(ctx,
			`SELECT `+docCols+` FROM lab_document WHERE processor_id = $1 AND hash = $2`,
			meta.ProcessorID, meta.Hash))
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: insert document: %w", err)
	}
	return out, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (io.ReadCloser, *Metadata, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil, ErrNotFound
	}

	var m Metadata
	var docID uuid.UUID
	var data []byte
	err = s.conn(ctx).QueryRow(ctx, `SELECT `+docCols+`, content FROM lab_document WHERE id = $1`, uid).
		Scan(&docID, &m.ProcessorID, &m.Category, &m.FileName, &m.ContentType,
			&m.Size, &m.Hash, &m.Tags, &m.CreatedAt, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("docstore: get document: %w", err)
	}
	m.ID = docID.String()
	return io.NopCloser(bytes.NewReader(data)), &m, nil
}

func (s *PGStore) GetMetadata(ctx context.Context, id string) (*Metadata, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return scanMetadata(s.conn(ctx).QueryRow(ctx, `SELECT `+docCols+` FROM lab_document WHERE id = $1`, uid))
}

func (s *PGStore) Search(ctx context.Context, params SearchParams) ([]*Metadata, int, error) {
	where := `WHERE ($1 = '' OR processor_id = $1) AND ($2 = '' OR category = $2)
		AND ($3::timestamptz IS NULL OR created_at >= $3) AND ($4::timestamptz IS NULL OR created_at <= $4)`
	args := []interface{}{params.ProcessorID, params.Category, params.CreatedAfter, params.CreatedBefore}

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_document `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("docstore: count documents: %w", err)
	}

	limit, offset := params.page()
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+docCols+` FROM lab_document `+where+` ORDER BY created_at DESC, id LIMIT $5 OFFSET $6`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("docstore: search documents: %w", err)
	}
	defer rows.Close()

	var items []*Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}
