package adapters

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloudillo/cloudillo/internal/abac"
	"github.com/cloudillo/cloudillo/internal/coreerr"
	"github.com/cloudillo/cloudillo/internal/scheduler"
)

// PostgresMetaStore is the reference MetaStore implementation, backed by
// the tasks/actions/action_dedup_keys/profiles/settings/push_subscriptions/
// files/file_variants/attachments tables of the reference schema (spec §6
// "Meta adapter").
type PostgresMetaStore struct {
	pool *pgxpool.Pool
}

// NewPostgresMetaStore wraps an existing connection pool.
func NewPostgresMetaStore(pool *pgxpool.Pool) *PostgresMetaStore {
	return &PostgresMetaStore{pool: pool}
}

// --- scheduler.Store, Task-prefixed (spec §4.C) ---

func (s *PostgresMetaStore) InsertTask(ctx context.Context, rec *scheduler.Record) (*scheduler.Record, error) {
	if rec.Key != nil {
		existing, err := s.findNonTerminalByKey(ctx, rec.Kind, *rec.Key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	policy, err := json.Marshal(rec.RetryPolicy)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Parse, "marshaling retry policy", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (task_id, kind, key, status, next_at, retry_count, retry_policy, cron, priority, input, deps)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.Kind, rec.Key, string(rec.Status), rec.NextAt, rec.RetryCount, policy, rec.Cron, rec.Priority, rec.Input, rec.Deps,
	)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "inserting task", err)
	}
	return rec, nil
}

func (s *PostgresMetaStore) findNonTerminalByKey(ctx context.Context, kind, key string) (*scheduler.Record, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT task_id FROM tasks WHERE kind = $1 AND key = $2
		 AND status NOT IN ('finished', 'failed_terminal') LIMIT 1`,
		kind, key,
	).Scan(&id)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "checking task dedup key", err)
	}
	return s.GetTask(ctx, id)
}

func (s *PostgresMetaStore) GetTask(ctx context.Context, id string) (*scheduler.Record, error) {
	rec, err := scanTaskRow(s.pool.QueryRow(ctx,
		`SELECT task_id, kind, key, status, next_at, retry_count, retry_policy, cron, priority, input, output, error, deps, lease_expires
		 FROM tasks WHERE task_id = $1`, id,
	))
	if err == pgx.ErrNoRows {
		return nil, scheduler.ErrNotFound
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "looking up task", err)
	}
	return rec, nil
}

// ClaimNextTask atomically claims the oldest Ready task whose
// dependencies are satisfied (spec §4.C "Ready when deps satisfied and
// next_at <= now"), ordered by (next_at, priority, task_id).
func (s *PostgresMetaStore) ClaimNextTask(ctx context.Context, workerID string, leaseTTL time.Duration, now time.Time) (*scheduler.Record, error) {
	leaseExpires := now.Add(leaseTTL)
	rec, err := scanTaskRow(s.pool.QueryRow(ctx,
		`UPDATE tasks SET status = 'running', lease_expires = $1
		 WHERE task_id = (
		   SELECT task_id FROM tasks
		   WHERE status = 'pending' AND next_at <= $2
		     AND NOT EXISTS (
		       SELECT 1 FROM unnest(deps) d
		       JOIN tasks dt ON dt.task_id = d
		       WHERE dt.status <> 'finished'
		     )
		   ORDER BY next_at, priority, task_id
		   FOR UPDATE SKIP LOCKED
		   LIMIT 1
		 )
		 RETURNING task_id, kind, key, status, next_at, retry_count, retry_policy, cron, priority, input, output, error, deps, lease_expires`,
		leaseExpires, now,
	))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "claiming next task", err)
	}
	rec.LeaseOwner = workerID
	return rec, nil
}

func (s *PostgresMetaStore) TaskDepsSatisfied(ctx context.Context, deps []string) (bool, error) {
	if len(deps) == 0 {
		return true, nil
	}
	var unfinished int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE task_id = ANY($1) AND status <> 'finished'`, deps,
	).Scan(&unfinished)
	if err != nil {
		return false, coreerr.Wrap(coreerr.DbError, "checking task dependencies", err)
	}
	return unfinished == 0, nil
}

func (s *PostgresMetaStore) MarkTaskFinished(ctx context.Context, id string, output string) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET status = 'finished', output = $1 WHERE task_id = $2`, output, id)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "marking task finished", err)
	}
	return nil
}

func (s *PostgresMetaStore) MarkTaskRetry(ctx context.Context, id string, retryAt time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'pending', next_at = $1, error = $2, retry_count = retry_count + 1, lease_expires = NULL
		 WHERE task_id = $3`,
		retryAt, errMsg, id,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "marking task retry", err)
	}
	return nil
}

func (s *PostgresMetaStore) MarkTaskFailedTerminal(ctx context.Context, id string, errMsg string) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET status = 'failed_terminal', error = $1 WHERE task_id = $2`, errMsg, id)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "marking task failed terminal", err)
	}
	return nil
}

func (s *PostgresMetaStore) RescheduleTask(ctx context.Context, id string, nextAt time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET status = 'pending', next_at = $1 WHERE task_id = $2`, nextAt, id)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "rescheduling task", err)
	}
	return nil
}

func (s *PostgresMetaStore) ExpireTaskLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'pending', lease_expires = NULL
		 WHERE status = 'running' AND lease_expires IS NOT NULL AND lease_expires <= $1`,
		now,
	)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.DbError, "expiring task leases", err)
	}
	return int(tag.RowsAffected()), nil
}

// row is satisfied by both pgx.Row (QueryRow) and pgx.Rows (Query) for Scan.
type row interface {
	Scan(dest ...any) error
}

func scanTaskRow(r row) (*scheduler.Record, error) {
	var rec scheduler.Record
	var status string
	var policyBytes []byte
	err := r.Scan(&rec.ID, &rec.Kind, &rec.Key, &status, &rec.NextAt, &rec.RetryCount, &policyBytes,
		&rec.Cron, &rec.Priority, &rec.Input, &rec.Output, &rec.Error, &rec.Deps, &rec.LeaseExpires)
	if err != nil {
		return nil, err
	}
	rec.Status = scheduler.Status(status)
	if len(policyBytes) > 0 {
		if err := json.Unmarshal(policyBytes, &rec.RetryPolicy); err != nil {
			return nil, coreerr.Wrap(coreerr.Parse, "decoding retry policy", err)
		}
	}
	return &rec, nil
}

// --- action.Store, Action-prefixed (spec §4.E) ---

func (s *PostgresMetaStore) InsertAction(ctx context.Context, a *ActionRecord) error {
	content, err := marshalNullable(a.Content)
	if err != nil {
		return err
	}
	x, err := json.Marshal(a.X)
	if err != nil {
		return coreerr.Wrap(coreerr.Parse, "marshaling action x bag", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO actions (tn_id, action_id, typ, sub_typ, issuer, audience, parent_id, root_id, subject,
		    content, attachments, visibility, flags, x, created_at, expires_at, status, federation_status, token)
		 VALUES ($1::bigint, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 ON CONFLICT (tn_id, action_id) DO NOTHING`,
		a.TnID, a.ActionID, a.Typ, a.SubTyp, a.Issuer, a.Audience, a.ParentID, a.RootID, a.Subject,
		content, a.Attachments, a.Visibility, a.Flags, x, a.CreatedAt, a.ExpiresAt, a.Status, a.FederationStatus, a.Token,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "inserting action", err)
	}
	return nil
}

func marshalNullable(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return b, nil
}

func (s *PostgresMetaStore) GetAction(ctx context.Context, tnID, actionID string) (*ActionRecord, error) {
	var a ActionRecord
	var x []byte
	err := s.pool.QueryRow(ctx,
		`SELECT tn_id::text, action_id, typ, sub_typ, issuer, audience, parent_id, root_id, subject,
		    content, attachments, visibility, flags, x, created_at, expires_at, status, federation_status, token
		 FROM actions WHERE tn_id = $1::bigint AND action_id = $2`,
		tnID, actionID,
	).Scan(&a.TnID, &a.ActionID, &a.Typ, &a.SubTyp, &a.Issuer, &a.Audience, &a.ParentID, &a.RootID, &a.Subject,
		&a.Content, &a.Attachments, &a.Visibility, &a.Flags, &x, &a.CreatedAt, &a.ExpiresAt, &a.Status, &a.FederationStatus, &a.Token)
	if err == pgx.ErrNoRows {
		return nil, coreerr.New(coreerr.NotFound, "action "+actionID)
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "looking up action", err)
	}
	if len(x) > 0 {
		if err := json.Unmarshal(x, &a.X); err != nil {
			return nil, coreerr.Wrap(coreerr.Parse, "decoding action x bag", err)
		}
	}
	return &a, nil
}

func (s *PostgresMetaStore) FindActionByDedupKey(ctx context.Context, tnID, key string) (*ActionRecord, error) {
	var actionID string
	err := s.pool.QueryRow(ctx,
		`SELECT action_id FROM action_dedup_keys WHERE tn_id = $1::bigint AND key = $2`, tnID, key,
	).Scan(&actionID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "looking up dedup key", err)
	}
	return s.GetAction(ctx, tnID, actionID)
}

func (s *PostgresMetaStore) RegisterActionDedupKey(ctx context.Context, tnID, key, actionID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO action_dedup_keys (tn_id, key, action_id) VALUES ($1::bigint, $2, $3)
		 ON CONFLICT (tn_id, key) DO NOTHING`,
		tnID, key, actionID,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "registering dedup key", err)
	}
	return nil
}

func (s *PostgresMetaStore) UpdateActionStatus(ctx context.Context, tnID, actionID, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE actions SET status = $1 WHERE tn_id = $2::bigint AND action_id = $3`, status, tnID, actionID,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "updating action status", err)
	}
	return nil
}

func (s *PostgresMetaStore) UpdateActionFederationStatus(ctx context.Context, tnID, actionID, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE actions SET federation_status = $1 WHERE tn_id = $2::bigint AND action_id = $3`, status, tnID, actionID,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "updating action federation status", err)
	}
	return nil
}

func (s *PostgresMetaStore) IncrementActionCounter(ctx context.Context, tnID, actionID, counter string, delta int) error {
	var column string
	switch counter {
	case "reactions_count":
		column = "reactions_count"
	case "comments_count":
		column = "comments_count"
	default:
		return coreerr.Newf(coreerr.ValidationError, "unknown action counter %q", counter)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE actions SET `+column+` = GREATEST(`+column+` + $1, 0) WHERE tn_id = $2::bigint AND action_id = $3`,
		delta, tnID, actionID,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "incrementing action counter", err)
	}
	return nil
}

func (s *PostgresMetaStore) ListActionsByParent(ctx context.Context, tnID, parentID string) ([]*ActionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tn_id::text, action_id, typ, sub_typ, issuer, audience, parent_id, root_id, subject,
		    content, attachments, visibility, flags, x, created_at, expires_at, status, federation_status, token
		 FROM actions WHERE tn_id = $1::bigint AND parent_id = $2 ORDER BY created_at`,
		tnID, parentID,
	)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "listing actions by parent", err)
	}
	defer rows.Close()

	var out []*ActionRecord
	for rows.Next() {
		var a ActionRecord
		var x []byte
		if err := rows.Scan(&a.TnID, &a.ActionID, &a.Typ, &a.SubTyp, &a.Issuer, &a.Audience, &a.ParentID, &a.RootID, &a.Subject,
			&a.Content, &a.Attachments, &a.Visibility, &a.Flags, &x, &a.CreatedAt, &a.ExpiresAt, &a.Status, &a.FederationStatus, &a.Token); err != nil {
			return nil, coreerr.Wrap(coreerr.DbError, "scanning action row", err)
		}
		if len(x) > 0 {
			if err := json.Unmarshal(x, &a.X); err != nil {
				return nil, coreerr.Wrap(coreerr.Parse, "decoding action x bag", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ListActionFollowers returns the id_tags following owner, for delivery
// fan-out planning (spec §4.E step 9 "fan-out to followers").
func (s *PostgresMetaStore) ListActionFollowers(ctx context.Context, tnID, owner string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id_tag FROM profiles WHERE tn_id = $1::bigint AND following AND id_tag <> $2`, tnID, owner,
	)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "listing action followers", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var idTag string
		if err := rows.Scan(&idTag); err != nil {
			return nil, coreerr.Wrap(coreerr.DbError, "scanning follower row", err)
		}
		out = append(out, idTag)
	}
	return out, rows.Err()
}

// --- profiles (spec §4.C "ProfileRefreshBatch") ---

func (s *PostgresMetaStore) ProfileExists(ctx context.Context, tnID, idTag string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM profiles WHERE tn_id = $1::bigint AND id_tag = $2)`, tnID, idTag,
	).Scan(&exists)
	if err != nil {
		return false, coreerr.Wrap(coreerr.DbError, "checking profile existence", err)
	}
	return exists, nil
}

func (s *PostgresMetaStore) UpsertProfile(ctx context.Context, tnID, idTag string, fields ProfileFields) error {
	roles, err := json.Marshal(fields.Roles)
	if err != nil {
		return coreerr.Wrap(coreerr.Parse, "marshaling profile roles", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO profiles (tn_id, id_tag, name, type, pic, roles, status, synced_at)
		 VALUES ($1::bigint, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (tn_id, id_tag) DO UPDATE SET
		   name = $3, type = $4, pic = $5, roles = $6, status = $7, synced_at = now()`,
		tnID, idTag, fields.Name, fields.Type, fields.Pic, roles, fields.Status,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "upserting profile", err)
	}
	return nil
}

func (s *PostgresMetaStore) ListStaleProfiles(ctx context.Context, olderThan time.Time, limit int) ([]ProfileRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tn_id::text, id_tag FROM profiles
		 WHERE synced_at IS NULL OR synced_at < $1
		 ORDER BY synced_at NULLS FIRST LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "listing stale profiles", err)
	}
	defer rows.Close()

	var out []ProfileRef
	for rows.Next() {
		var ref ProfileRef
		if err := rows.Scan(&ref.TnID, &ref.IDTag); err != nil {
			return nil, coreerr.Wrap(coreerr.DbError, "scanning stale profile row", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// ResolveRelationships batch-loads following/connected bits for abac's
// list filter (spec §4.F "resolved once per query batch, never
// per-item"). SecondDegree is always reported false: the reference
// profiles table has no friend-of-friend graph to walk, only direct
// following/connected flags.
func (s *PostgresMetaStore) ResolveRelationships(subject string, owners []string) (map[string]abac.Relationships, error) {
	ctx := context.Background()
	out := make(map[string]abac.Relationships, len(owners))
	if len(owners) == 0 {
		return out, nil
	}

	var subjectTnID string
	if err := s.pool.QueryRow(ctx, `SELECT tn_id::text FROM tenants WHERE id_tag = $1`, subject).Scan(&subjectTnID); err != nil {
		if err == pgx.ErrNoRows {
			return out, nil
		}
		return nil, coreerr.Wrap(coreerr.DbError, "resolving subject tenant", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id_tag, following, connected FROM profiles WHERE tn_id = $1::bigint AND id_tag = ANY($2)`,
		subjectTnID, owners,
	)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "resolving relationships", err)
	}
	defer rows.Close()

	for rows.Next() {
		var owner string
		var rel abac.Relationships
		if err := rows.Scan(&owner, &rel.Following, &rel.Connected); err != nil {
			return nil, coreerr.Wrap(coreerr.DbError, "scanning relationship row", err)
		}
		out[owner] = rel
	}
	return out, rows.Err()
}

// --- settings ---

func (s *PostgresMetaStore) PutSetting(ctx context.Context, tnID, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (tn_id, key, value) VALUES ($1::bigint, $2, $3)
		 ON CONFLICT (tn_id, key) DO UPDATE SET value = $3`,
		tnID, key, value,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "storing setting", err)
	}
	return nil
}

func (s *PostgresMetaStore) GetSetting(ctx context.Context, tnID, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE tn_id = $1::bigint AND key = $2`, tnID, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, coreerr.New(coreerr.NotFound, "setting "+key)
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "looking up setting", err)
	}
	return value, nil
}

// --- push subscriptions (spec §4.E step 11) ---

func (s *PostgresMetaStore) CreatePushSubscription(ctx context.Context, tnID, idTag string, sub PushSubscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO push_subscriptions (tn_id, id_tag, endpoint, p256dh, auth) VALUES ($1::bigint, $2, $3, $4, $5)
		 ON CONFLICT (tn_id, id_tag, endpoint) DO UPDATE SET p256dh = $4, auth = $5`,
		tnID, idTag, sub.Endpoint, sub.P256dh, sub.Auth,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "storing push subscription", err)
	}
	return nil
}

func (s *PostgresMetaStore) ListPushSubscriptions(ctx context.Context, tnID, idTag string) ([]PushSubscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tn_id || ':' || id_tag || ':' || endpoint, endpoint, p256dh, auth
		 FROM push_subscriptions WHERE tn_id = $1::bigint AND id_tag = $2`,
		tnID, idTag,
	)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "listing push subscriptions", err)
	}
	defer rows.Close()

	var out []PushSubscription
	for rows.Next() {
		var p PushSubscription
		if err := rows.Scan(&p.ID, &p.Endpoint, &p.P256dh, &p.Auth); err != nil {
			return nil, coreerr.Wrap(coreerr.DbError, "scanning push subscription row", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresMetaStore) DeletePushSubscriptionByEndpoint(ctx context.Context, tnID, idTag, endpoint string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE tn_id = $1::bigint AND id_tag = $2 AND endpoint = $3`, tnID, idTag, endpoint,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "deleting push subscription", err)
	}
	return nil
}

func (s *PostgresMetaStore) TouchPushSubscription(ctx context.Context, id string) error {
	tnID, idTag, endpoint, err := splitPushSubID(id)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE push_subscriptions SET created_at = now() WHERE tn_id = $1::bigint AND id_tag = $2 AND endpoint = $3`,
		tnID, idTag, endpoint,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "touching push subscription", err)
	}
	return nil
}

func (s *PostgresMetaStore) DeletePushSubscriptionByID(ctx context.Context, id string) error {
	tnID, idTag, endpoint, err := splitPushSubID(id)
	if err != nil {
		return err
	}
	return s.DeletePushSubscriptionByEndpoint(ctx, tnID, idTag, endpoint)
}

// splitPushSubID reverses the "tn_id:id_tag:endpoint" composite id
// ListPushSubscriptions synthesizes, since push_subscriptions has no
// single-column surrogate key in the reference schema.
func splitPushSubID(id string) (tnID, idTag, endpoint string, err error) {
	first := indexByte(id, ':')
	if first < 0 {
		return "", "", "", coreerr.New(coreerr.ValidationError, "malformed push subscription id")
	}
	rest := id[first+1:]
	second := indexByte(rest, ':')
	if second < 0 {
		return "", "", "", coreerr.New(coreerr.ValidationError, "malformed push subscription id")
	}
	return id[:first], rest[:second], rest[second+1:], nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// --- files/variants/attachments (spec §4.J) ---

func (s *PostgresMetaStore) PutFile(ctx context.Context, tnID string, f FileRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO files (tn_id, file_id, owner_tag, mime_type, blurhash, created_at) VALUES ($1::bigint, $2, $3, $4, $5, $6)
		 ON CONFLICT (tn_id, file_id) DO UPDATE SET owner_tag = $3, mime_type = $4, blurhash = $5`,
		tnID, f.FileID, f.OwnerTag, f.MimeType, f.Blurhash, f.CreatedAt,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "storing file record", err)
	}
	return nil
}

func (s *PostgresMetaStore) PutFileVariant(ctx context.Context, tnID, fileID string, class VariantClass, byteSize int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO file_variants (tn_id, file_id, class, byte_size, synced_at) VALUES ($1::bigint, $2, $3, $4, now())
		 ON CONFLICT (tn_id, file_id, class) DO UPDATE SET byte_size = $4, synced_at = now()`,
		tnID, fileID, string(class), byteSize,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "storing file variant", err)
	}
	return nil
}

func (s *PostgresMetaStore) LinkAttachment(ctx context.Context, tnID, actionID, fileID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO attachments (tn_id, action_id, file_id) VALUES ($1::bigint, $2, $3) ON CONFLICT DO NOTHING`,
		tnID, actionID, fileID,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "linking attachment", err)
	}
	return nil
}
