package journal

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vitwit/x402pay/types"
)

// PostgresStore persists entries in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS x402pay_journal (
    charge_id TEXT PRIMARY KEY,
    tx_ref TEXT NOT NULL DEFAULT '',
    network TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Get(ctx context.Context, chargeID string) (*Entry, error) {
	row := p.pool.QueryRow(ctx, `
SELECT charge_id, tx_ref, network, state, updated_at
FROM x402pay_journal
WHERE charge_id = $1
`, chargeID)

	var (
		entry   Entry
		network string
		state   string
	)
	if err := row.Scan(&entry.ChargeID, &entry.TxRef, &network, &state, &entry.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	entry.Network = types.Network(network)
	entry.State = State(state)
	return &entry, nil
}

func (p *PostgresStore) Save(ctx context.Context, entry Entry) error {
	if entry.ChargeID == "" {
		return errors.New("journal entry has no charge id")
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO x402pay_journal (charge_id, tx_ref, network, state, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (charge_id) DO UPDATE
SET tx_ref = EXCLUDED.tx_ref,
    network = EXCLUDED.network,
    state = EXCLUDED.state,
    updated_at = EXCLUDED.updated_at
`, entry.ChargeID, entry.TxRef, string(entry.Network), string(entry.State), entry.UpdatedAt)
	return err
}
