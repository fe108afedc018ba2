package sessions

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"alertrelay/pkg/db"
)

// PostgresSnapshotter stores sessions in the relay_sessions table.
type PostgresSnapshotter struct {
	pool *pgxpool.Pool
}

func NewPostgresSnapshotter(pool *pgxpool.Pool) *PostgresSnapshotter {
	return &PostgresSnapshotter{pool: pool}
}

type sessionRow struct {
	Identifier string    `db:"identifier"`
	Watermark  time.Time `db:"watermark"`
	LastSeen   time.Time `db:"last_seen"`
}

func (p *PostgresSnapshotter) Load(ctx context.Context) (map[string]Session, error) {
	var rows []sessionRow
	if err := db.Select(ctx, p.pool, &rows, `SELECT identifier, watermark, last_seen FROM relay_sessions`); err != nil {
		return nil, err
	}
	out := make(map[string]Session, len(rows))
	for _, r := range rows {
		out[r.Identifier] = Session{Identifier: r.Identifier, Watermark: r.Watermark, LastSeen: r.LastSeen}
	}
	return out, nil
}

// Save replaces the table contents in a single transaction.
func (p *PostgresSnapshotter) Save(ctx context.Context, sessions map[string]Session) error {
	return db.WithTx(ctx, p.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM relay_sessions`); err != nil {
			return err
		}
		if len(sessions) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for id, s := range sessions {
			batch.Queue(`INSERT INTO relay_sessions (identifier, watermark, last_seen) VALUES ($1, $2, $3)`,
				id, s.Watermark.UTC(), s.LastSeen.UTC())
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (p *PostgresSnapshotter) Reset(ctx context.Context) error {
	_, err := db.Exec(ctx, p.pool, `DELETE FROM relay_sessions`)
	return err
}
