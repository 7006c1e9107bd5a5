package results

import (
	"context"
	"errors"
	"fmt"

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

// PGLedger keeps ledger rows in the lab_result table.
type PGLedger struct{ pool *pgxpool.Pool }

func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

func (l *PGLedger) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return l.pool
}

const resultCols = `id, message_id, processor_id, control_id, batch_id, artifact, tag, document_id,
	patient_id, order_number, report_count, observation_count, received_at, stored_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var id, docID uuid.UUID
	err := row.Scan(&id, &r.MessageID, &r.ProcessorID, &r.ControlID, &r.BatchID, &r.Artifact, &r.Tag,
		&docID, &r.PatientID, &r.OrderNumber, &r.ReportCount, &r.ObservationCount, &r.ReceivedAt, &r.StoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.ID = id.String()
	r.DocumentID = docID.String()
	return &r, nil
}

func (l *PGLedger) Insert(ctx context.Context, r *Record) (*Record, error) {
	docID, err := uuid.Parse(r.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("results: document id %q: %w", r.DocumentID, err)
	}
	id := uuid.New()
	if r.ID != "" {
		if id, err = uuid.Parse(r.ID); err != nil {
			return nil, fmt.Errorf("results: id %q: %w", r.ID, err)
		}
	}

	out, err := scanRecord(l.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_result (`+resultCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (processor_id, document_id) DO NOTHING
		RETURNING `+resultCols,
		id, r.MessageID, r.ProcessorID, r.ControlID, r.BatchID, r.Artifact, r.Tag, docID,
		r.PatientID, r.OrderNumber, r.ReportCount, r.ObservationCount, r.ReceivedAt, r.StoredAt))
	if errors.Is(err, ErrNotFound) {
		return scanRecord(l.conn(ctx).QueryRow(ctx,
			`SELECT `+resultCols+` FROM lab_result WHERE processor_id = $1 AND document_id = $2`,
			r.ProcessorID, docID))
	}
	if err != nil {
		return nil, fmt.Errorf("results: insert: %w", err)
	}
	return out, nil
}

func (l *PGLedger) Get(ctx context.Context, id string) (*Record, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return scanRecord(l.conn(ctx).QueryRow(ctx, `SELECT `+resultCols+` FROM lab_result WHERE id = $1`, uid))
}

func (l *PGLedger) List(ctx context.Context, p ListParams) ([]*Record, int, error) {
	where := `WHERE ($1 = '' OR processor_id = $1) AND ($2 = '' OR patient_id = $2)`
	args := []interface{}{p.ProcessorID, p.PatientID}

	var total int
	if err := l.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_result `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("results: count: %w", err)
	}

	limit, offset := p.page()
	rows, err := l.conn(ctx).Query(ctx,
		`SELECT `+resultCols+` FROM lab_result `+where+` ORDER BY stored_at DESC, id LIMIT $3 OFFSET $4`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("results: list: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}
