package archive

import (
	"context"
	"database/sql"
	"time"

	"callrelay/pkg/utils"
)

// PostgresRepo persists archive entries via database/sql (pgx stdlib driver).
//
// Schema:
//
//	CREATE TABLE call_events (
//	    id               UUID PRIMARY KEY,
//	    token            TEXT NOT NULL,
//	    call_id          TEXT NOT NULL,
//	    unique_id        TEXT NOT NULL DEFAULT '',
//	    bridge_unique_id TEXT NOT NULL DEFAULT '',
//	    event_type       TEXT NOT NULL,
//	    payload          JSONB NOT NULL,
//	    received_at      TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX call_events_call_id_idx ON call_events (call_id, received_at);

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	const q = `
		INSERT INTO call_events
			(id, token, call_id, unique_id, bridge_unique_id, event_type, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.Token, e.CallID, e.UniqueID, e.BridgeUniqueID, e.EventType, e.Payload, e.ReceivedAt)
	return err
}

func (r *PostgresRepo) ListByCall(ctx context.Context, callID string, limit int) ([]Entry, error) {
	const q = `
		SELECT id, token, call_id, unique_id, bridge_unique_id, event_type, payload, received_at
		FROM call_events
		WHERE call_id = $1
		ORDER BY received_at
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, callID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Token, &e.CallID, &e.UniqueID, &e.BridgeUniqueID,
			&e.EventType, &e.Payload, &e.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneBefore removes entries received before cutoff, one bounded batch per
// transaction so a large backlog never holds a long-running delete. Returns
// the number of rows removed.
func (r *PostgresRepo) PruneBefore(ctx context.Context, cutoff time.Time, batch int) (int, error) {
	const q = `
		DELETE FROM call_events
		WHERE ctid IN (
			SELECT ctid FROM call_events
			WHERE received_at < $1
			ORDER BY received_at
			LIMIT $2
		)`
	total := 0
	for {
		var n int64
		err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, q, cutoff, batch)
			if err != nil {
				return err
			}
			n, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return total, err
		}
		total += int(n)
		if int(n) < batch {
			return total, nil
		}
	}
}
