package adapters

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloudillo/cloudillo/internal/coreerr"
)

// PostgresCRDTStore is the reference CRDTStore implementation, backed by
// the append-only crdt_updates log (spec §6 "CRDT adapter").
type PostgresCRDTStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCRDTStore wraps an existing connection pool.
func NewPostgresCRDTStore(pool *pgxpool.Pool) *PostgresCRDTStore {
	return &PostgresCRDTStore{pool: pool}
}

// AppendUpdate records one Yjs/Automerge update frame and returns its
// monotonic sequence number within the document.
func (s *PostgresCRDTStore) AppendUpdate(ctx context.Context, tnID, docID string, update []byte) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO crdt_updates (tn_id, doc_id, update) VALUES ($1::bigint, $2, $3) RETURNING seq`,
		tnID, docID, update,
	).Scan(&seq)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.DbError, "appending crdt update", err)
	}
	return seq, nil
}

// ListUpdatesSince replays every update frame after sinceSeq, in order,
// so a joining client can reconstruct document state (spec §4.H "/ws/crdt/<id>").
func (s *PostgresCRDTStore) ListUpdatesSince(ctx context.Context, tnID, docID string, sinceSeq int64) ([][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT update FROM crdt_updates WHERE tn_id = $1::bigint AND doc_id = $2 AND seq > $3 ORDER BY seq`,
		tnID, docID, sinceSeq,
	)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "listing crdt updates", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var update []byte
		if err := rows.Scan(&update); err != nil {
			return nil, coreerr.Wrap(coreerr.DbError, "scanning crdt update row", err)
		}
		out = append(out, update)
	}
	return out, rows.Err()
}
