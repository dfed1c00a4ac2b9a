package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"notifyhub/internal/notification"
	logx "notifyhub/pkg/logx"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers, which also makes the
	// conditional UPDATEs below atomic claims.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	if err := addColumnIfMissing(db, "notifications", "claim_token", "TEXT"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store ready", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

// addColumnIfMissing upgrades files created before the column existed.
func addColumnIfMissing(db *sql.DB, table, column, typ string) error {
	ctx := context.Background()
	rows, err := db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteRecordCols = `id, kind, title, body, image_url, data, actions, recipients,
	scheduled_for, status, created_at, claimed_at, processed_at, last_error`

func scanSQLiteRecord(row rowScanner) (*notification.Record, error) {
	var (
		rec                notification.Record
		kind, status       string
		imageURL, lastErr  sql.NullString
		data, actions      sql.NullString
		recipients         string
		scheduled, created int64
		claimed, processed sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &kind, &rec.Title, &rec.Body, &imageURL, &data, &actions, &recipients,
		&scheduled, &status, &created, &claimed, &processed, &lastErr); err != nil {
		return nil, err
	}
	rec.Kind = notification.Kind(kind)
	rec.Status = notification.Status(status)
	rec.ImageURL = imageURL.String
	rec.LastError = lastErr.String
	rec.ScheduledFor = msToTime(scheduled)
	rec.CreatedAt = msToTime(created)
	if claimed.Valid {
		rec.ClaimedAt = msPtr(&claimed.Int64)
	}
	if processed.Valid {
		rec.ProcessedAt = msPtr(&processed.Int64)
	}
	cols := recordColumns{data: []byte(data.String), actions: []byte(actions.String), recipients: []byte(recipients)}
	if err := cols.decodeInto(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *sqliteStore) CreateNotification(ctx context.Context, rec *notification.Record) error {
	cols, err := encodeRecordColumns(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, kind, title, body, image_url, data, actions, recipients, scheduled_for, status, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		rec.ID, string(rec.Kind), rec.Title, rec.Body, nullStr(rec.ImageURL),
		nullStr(string(cols.data)), nullStr(string(cols.actions)), string(cols.recipients),
		rec.ScheduledFor.UnixMilli(), string(rec.Status), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *sqliteStore) GetNotification(ctx context.Context, id string) (*notification.Record, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRecordCols+` FROM notifications WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) queryRecords(ctx context.Context, query string, args ...any) ([]*notification.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*notification.Record, 0)
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListNotifications(ctx context.Context, f ListFilter) ([]*notification.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	if f.Status != "" {
		return s.queryRecords(ctx, `SELECT `+sqliteRecordCols+` FROM notifications
			WHERE status = ? ORDER BY created_at DESC LIMIT ?`, string(f.Status), limit)
	}
	return s.queryRecords(ctx, `SELECT `+sqliteRecordCols+` FROM notifications
		ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *sqliteStore) ListDue(ctx context.Context, q DueQuery) ([]*notification.Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + sqliteRecordCols + ` FROM notifications
		WHERE ((status = 'PENDING' AND scheduled_for <= ?)
		    OR (status = 'PROCESSING' AND claimed_at < ?))`
	args := []any{q.Due.UnixMilli(), q.StaleBefore.UnixMilli()}
	if q.After != nil {
		at := q.After.ScheduledFor.UnixMilli()
		query += ` AND (scheduled_for > ? OR (scheduled_for = ? AND id > ?))`
		args = append(args, at, at, q.After.ID)
	}
	query += ` ORDER BY scheduled_for ASC, id ASC LIMIT ?`
	return s.queryRecords(ctx, query, append(args, limit)...)
}

func (s *sqliteStore) Claim(ctx context.Context, l Lease, q DueQuery) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET status = 'PROCESSING', claimed_at = ?, claim_token = ?
		WHERE id = ? AND ((status = 'PENDING' AND scheduled_for <= ?)
		               OR (status = 'PROCESSING' AND claimed_at < ?))`,
		l.At.UnixMilli(), l.Token, l.ID, q.Due.UnixMilli(), q.StaleBefore.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// leaseMiss explains why a token-guarded update touched no row.
func (s *sqliteStore) leaseMiss(ctx context.Context, id string) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrClaimLost
}

func (s *sqliteStore) leaseUpdate(ctx context.Context, l Lease, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return s.leaseMiss(ctx, l.ID)
	}
	return nil
}

func (s *sqliteStore) RenewClaim(ctx context.Context, l Lease) error {
	return s.leaseUpdate(ctx, l, `UPDATE notifications SET claimed_at = ?
		WHERE id = ? AND status = 'PROCESSING' AND claim_token = ?`,
		l.At.UnixMilli(), l.ID, l.Token)
}

func (s *sqliteStore) Complete(ctx context.Context, l Lease, status notification.Status, at time.Time, lastErr string) error {
	if !status.Terminal() {
		return errors.New("complete requires a terminal status")
	}
	return s.leaseUpdate(ctx, l, `UPDATE notifications SET status = ?, processed_at = ?, last_error = ?, claim_token = NULL
		WHERE id = ? AND status = 'PROCESSING' AND claim_token = ?`,
		string(status), at.UnixMilli(), nullStr(lastErr), l.ID, l.Token)
}

func (s *sqliteStore) Release(ctx context.Context, l Lease) error {
	return s.leaseUpdate(ctx, l, `UPDATE notifications SET status = 'PENDING', claimed_at = NULL, claim_token = NULL
		WHERE id = ? AND status = 'PROCESSING' AND claim_token = ?`, l.ID, l.Token)
}

func (s *sqliteStore) CountByStatus(ctx context.Context) (map[notification.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM notifications GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[notification.Status]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[notification.Status(st)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimWelcome(ctx context.Context, userID string) (bool, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, welcome_sent) VALUES(?, 0) ON CONFLICT(id) DO NOTHING`, userID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET welcome_sent = 1 WHERE id = ? AND welcome_sent = 0`, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) ResetWelcome(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET welcome_sent = 0 WHERE id = ?`, userID)
	return err
}

func (s *sqliteStore) PushToken(ctx context.Context, userID string) (string, bool, error) {
	var tok sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT push_token FROM users WHERE id = ?`, userID).Scan(&tok)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return tok.String, tok.Valid && tok.String != "", nil
}

func (s *sqliteStore) SetPushToken(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, push_token) VALUES(?, ?)
		 ON CONFLICT(id) DO UPDATE SET push_token = excluded.push_token`,
		userID, nullStr(token))
	return err
}

func (s *sqliteStore) SaveWebPushSubscription(ctx context.Context, sub *WebPushSubscription) error {
	if sub == nil || sub.Endpoint == "" {
		return errors.New("web push endpoint is required")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	sub.Active = true
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webpush_subscriptions(id, user_id, endpoint, p256dh, auth, active, created_at)
		 VALUES(?,?,?,?,?,1,?)
		 ON CONFLICT(endpoint) DO UPDATE SET user_id = excluded.user_id, p256dh = excluded.p256dh,
		   auth = excluded.auth, active = 1`,
		sub.ID, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, sub.CreatedAt.UnixMilli())
	if err != nil {
		return err
	}
	var created int64
	if err := s.db.QueryRowContext(ctx, `SELECT id, created_at FROM webpush_subscriptions WHERE endpoint = ?`,
		sub.Endpoint).Scan(&sub.ID, &created); err != nil {
		return err
	}
	sub.CreatedAt = msToTime(created)
	return nil
}

func (s *sqliteStore) ActiveWebPushSubscriptions(ctx context.Context, userID string) ([]WebPushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, endpoint, p256dh, auth, created_at FROM webpush_subscriptions
		 WHERE user_id = ? AND active = 1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]WebPushSubscription, 0)
	for rows.Next() {
		var (
			sub     WebPushSubscription
			created int64
		)
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &created); err != nil {
			return nil, err
		}
		sub.Active = true
		sub.CreatedAt = msToTime(created)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeactivateWebPushSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE webpush_subscriptions SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ReachableUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM users WHERE push_token IS NOT NULL AND push_token <> ''
		 UNION
		 SELECT user_id FROM webpush_subscriptions WHERE active = 1
		 ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.ActorID), e.Action, nullStr(e.Target),
		e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}
