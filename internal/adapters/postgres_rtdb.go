package adapters

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloudillo/cloudillo/internal/coreerr"
	"github.com/cloudillo/cloudillo/internal/rtdb"
)

// PostgresRTDBStore is the reference RTDBStore implementation, backed by
// one JSONB document per (tn_id, doc_id) (spec §6 "RTDB adapter").
type PostgresRTDBStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRTDBStore wraps an existing connection pool.
func NewPostgresRTDBStore(pool *pgxpool.Pool) *PostgresRTDBStore {
	return &PostgresRTDBStore{pool: pool}
}

func (s *PostgresRTDBStore) Get(ctx context.Context, tnID, docID string) (rtdb.Document, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM rtdb_documents WHERE tn_id = $1::bigint AND doc_id = $2`, tnID, docID,
	).Scan(&body)
	if err == pgx.ErrNoRows {
		return rtdb.Document{}, nil
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "looking up rtdb document", err)
	}
	doc, err := decodeDocument(body)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Merge applies the P10 shallow-merge law inside a transaction, locking
// the target row for the duration of the read-modify-write so concurrent
// merges against the same document serialize instead of racing.
func (s *PostgresRTDBStore) Merge(ctx context.Context, tnID, docID string, patch rtdb.Document) (rtdb.Document, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "starting rtdb transaction", err)
	}
	defer tx.Rollback(ctx)

	var body []byte
	err = tx.QueryRow(ctx,
		`SELECT body FROM rtdb_documents WHERE tn_id = $1::bigint AND doc_id = $2 FOR UPDATE`, tnID, docID,
	).Scan(&body)
	var current rtdb.Document
	switch err {
	case nil:
		current, err = decodeDocument(body)
		if err != nil {
			return nil, err
		}
	case pgx.ErrNoRows:
		current = rtdb.Document{}
	default:
		return nil, coreerr.Wrap(coreerr.DbError, "locking rtdb document", err)
	}

	merged, err := rtdb.Merge(current, patch)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ValidationError, "merging rtdb document", err)
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Parse, "encoding merged rtdb document", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO rtdb_documents (tn_id, doc_id, body) VALUES ($1::bigint, $2, $3)
		 ON CONFLICT (tn_id, doc_id) DO UPDATE SET body = $3`,
		tnID, docID, encoded,
	)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "storing merged rtdb document", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "committing rtdb merge", err)
	}
	return merged, nil
}

func decodeDocument(body []byte) (rtdb.Document, error) {
	if len(body) == 0 {
		return rtdb.Document{}, nil
	}
	var doc rtdb.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, coreerr.Wrap(coreerr.Parse, "decoding rtdb document", err)
	}
	return doc, nil
}
