package processor

import (
	"context"
	"errors"
	"fmt"

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

// PGStore reads processor records from the lab_processor table.
type PGStore struct {
	pool     *pgxpool.Pool
	workRoot string
}

func NewPGStore(pool *pgxpool.Pool, workRoot string) *PGStore {
	return &PGStore{pool: pool, workRoot: workRoot}
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

const processorCols = `id, name, protocol, version, environment, host, port, username, password,
	orders_path, results_path, work_dir, sending_app, sending_facility,
	receiving_app, receiving_facility, document_category, extra`

func (s *PGStore) scan(row pgx.Row) (*Config, error) {
	var c Config
	var protocol, version, env string
	err := row.Scan(&c.ID, &c.Name, &protocol, &version, &env, &c.Host, &c.Port, &c.Username, &c.Password,
		&c.OrdersPath, &c.ResultsPath, &c.WorkDir, &c.SendingApp, &c.SendingFacility,
		&c.ReceivingApp, &c.ReceivingFacility, &c.DocumentCategory, &c.Extra)
	if err != nil {
		return nil, err
	}
	c.Protocol = Protocol(protocol)
	c.Version = Version(version)
	c.Environment = Environment(env)

	n, err := finish(c, s.workRoot)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Config, error) {
	c, err := s.scan(s.conn(ctx).QueryRow(ctx,
		`SELECT `+processorCols+` FROM lab_processor WHERE id = $1 AND active`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("processor: get %s: %w", id, err)
	}
	return c, nil
}

func (s *PGStore) List(ctx context.Context) ([]*Config, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+processorCols+` FROM lab_processor WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("processor: list: %w", err)
	}
	defer rows.Close()

	var out []*Config
	for rows.Next() {
		c, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("processor: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Upsert inserts or replaces a processor record.
func (s *PGStore) Upsert(ctx context.Context, c *Config) error {
	n, err := c.Normalize()
	if err != nil {
		return err
	}
	if err := n.Validate(); err != nil {
		return err
	}
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO lab_processor (`+processorCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, protocol=EXCLUDED.protocol, version=EXCLUDED.version,
			environment=EXCLUDED.environment, host=EXCLUDED.host, port=EXCLUDED.port,
			username=EXCLUDED.username, password=EXCLUDED.password,
			orders_path=EXCLUDED.orders_path, results_path=EXCLUDED.results_path,
			work_dir=EXCLUDED.work_dir, sending_app=EXCLUDED.sending_app,
			sending_facility=EXCLUDED.sending_facility, receiving_app=EXCLUDED.receiving_app,
			receiving_facility=EXCLUDED.receiving_facility,
			document_category=EXCLUDED.document_category, extra=EXCLUDED.extra,
			active=TRUE, updated_at=NOW()`,
		n.ID, n.Name, string(n.Protocol), string(n.Version), string(n.Environment), n.Host, n.Port,
		n.Username, n.Password, n.OrdersPath, n.ResultsPath, n.WorkDir, n.SendingApp,
		n.SendingFacility, n.ReceivingApp, n.ReceivingFacility, n.DocumentCategory, n.Extra)
	if err != nil {
		return fmt.Errorf("processor: upsert %s: %w", n.ID, err)
	}
	return nil
}
