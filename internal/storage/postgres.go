package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"notifyhub/internal/notification"
	logx "notifyhub/pkg/logx"
)

//go:embed postgres_schema.sql
var postgresSchema string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres store ready", logx.String("host", pcfg.ConnConfig.Host))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

const pgRecordCols = `id, kind, title, body, image_url, data, actions, recipients,
	scheduled_for, status, created_at, claimed_at, processed_at, last_error`

func scanPGRecord(row rowScanner) (*notification.Record, error) {
	var (
		rec                notification.Record
		kind, status       string
		imageURL, lastErr  *string
		data, actions      []byte
		recipients         []byte
		claimed, processed *time.Time
	)
	if err := row.Scan(&rec.ID, &kind, &rec.Title, &rec.Body, &imageURL, &data, &actions, &recipients,
		&rec.ScheduledFor, &status, &rec.CreatedAt, &claimed, &processed, &lastErr); err != nil {
		return nil, err
	}
	rec.Kind = notification.Kind(kind)
	rec.Status = notification.Status(status)
	if imageURL != nil {
		rec.ImageURL = *imageURL
	}
	if lastErr != nil {
		rec.LastError = *lastErr
	}
	rec.ScheduledFor = rec.ScheduledFor.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ClaimedAt = claimed
	rec.ProcessedAt = processed
	cols := recordColumns{data: data, actions: actions, recipients: recipients}
	if err := cols.decodeInto(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func jsonbArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *postgresStore) CreateNotification(ctx context.Context, rec *notification.Record) error {
	cols, err := encodeRecordColumns(rec)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO notifications(id, kind, title, body, image_url, data, actions, recipients, scheduled_for, status, created_at)
		 VALUES($1,$2,$3,$4,$5,$6::jsonb,$7::jsonb,$8::jsonb,$9,$10,$11) ON CONFLICT (id) DO NOTHING`,
		rec.ID, string(rec.Kind), rec.Title, rec.Body, nullStr(rec.ImageURL),
		jsonbArg(cols.data), jsonbArg(cols.actions), string(cols.recipients),
		rec.ScheduledFor, string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *postgresStore) GetNotification(ctx context.Context, id string) (*notification.Record, error) {
	rec, err := scanPGRecord(s.pool.QueryRow(ctx, `SELECT `+pgRecordCols+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *postgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]*notification.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*notification.Record, 0)
	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func pgLimit(n int) any {
	if n <= 0 {
		return nil // LIMIT NULL is LIMIT ALL
	}
	return n
}

func (s *postgresStore) ListNotifications(ctx context.Context, f ListFilter) ([]*notification.Record, error) {
	if f.Status != "" {
		return s.queryRecords(ctx, `SELECT `+pgRecordCols+` FROM notifications
			WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, string(f.Status), pgLimit(f.Limit))
	}
	return s.queryRecords(ctx, `SELECT `+pgRecordCols+` FROM notifications
		ORDER BY created_at DESC LIMIT $1`, pgLimit(f.Limit))
}

func (s *postgresStore) ListDue(ctx context.Context, q DueQuery) ([]*notification.Record, error) {
	query := `SELECT ` + pgRecordCols + ` FROM notifications
		WHERE ((status = 'PENDING' AND scheduled_for <= $1)
		    OR (status = 'PROCESSING' AND claimed_at < $2))`
	args := []any{q.Due, q.StaleBefore}
	if q.After != nil {
		query += ` AND (scheduled_for, id) > ($3, $4)`
		args = append(args, q.After.ScheduledFor, q.After.ID)
	}
	args = append(args, pgLimit(q.Limit))
	query += fmt.Sprintf(` ORDER BY scheduled_for ASC, id ASC LIMIT $%d`, len(args))
	return s.queryRecords(ctx, query, args...)
}

func (s *postgresStore) Claim(ctx context.Context, l Lease, q DueQuery) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET status = 'PROCESSING', claimed_at = $2, claim_token = $3
		WHERE id = $1 AND ((status = 'PENDING' AND scheduled_for <= $4)
		                OR (status = 'PROCESSING' AND claimed_at < $5))`,
		l.ID, l.At, l.Token, q.Due, q.StaleBefore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) leaseUpdate(ctx context.Context, l Lease, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM notifications WHERE id = $1)`, l.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrClaimLost
}

func (s *postgresStore) RenewClaim(ctx context.Context, l Lease) error {
	return s.leaseUpdate(ctx, l, `UPDATE notifications SET claimed_at = $3
		WHERE id = $1 AND status = 'PROCESSING' AND claim_token = $2`, l.ID, l.Token, l.At)
}

func (s *postgresStore) Complete(ctx context.Context, l Lease, status notification.Status, at time.Time, lastErr string) error {
	if !status.Terminal() {
		return errors.New("complete requires a terminal status")
	}
	return s.leaseUpdate(ctx, l, `UPDATE notifications SET status = $3, processed_at = $4, last_error = $5, claim_token = NULL
		WHERE id = $1 AND status = 'PROCESSING' AND claim_token = $2`,
		l.ID, l.Token, string(status), at, nullStr(lastErr))
}

func (s *postgresStore) Release(ctx context.Context, l Lease) error {
	return s.leaseUpdate(ctx, l, `UPDATE notifications SET status = 'PENDING', claimed_at = NULL, claim_token = NULL
		WHERE id = $1 AND status = 'PROCESSING' AND claim_token = $2`, l.ID, l.Token)
}

func (s *postgresStore) CountByStatus(ctx context.Context) (map[notification.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM notifications GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[notification.Status]int{}
	for rows.Next() {
		var (
			st string
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[notification.Status(st)] = int(n)
	}
	return out, rows.Err()
}

func (s *postgresStore) ClaimWelcome(ctx context.Context, userID string) (bool, error) {
	// Single statement: insert-or-flip, returning a row only when this call
	// changed the flag.
	var id string
	err := s.pool.QueryRow(ctx, `INSERT INTO users(id, welcome_sent) VALUES($1, TRUE)
		ON CONFLICT(id) DO UPDATE SET welcome_sent = TRUE WHERE users.welcome_sent = FALSE
		RETURNING id`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *postgresStore) ResetWelcome(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET welcome_sent = FALSE WHERE id = $1`, userID)
	return err
}

func (s *postgresStore) PushToken(ctx context.Context, userID string) (string, bool, error) {
	var tok *string
	err := s.pool.QueryRow(ctx, `SELECT push_token FROM users WHERE id = $1`, userID).Scan(&tok)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if tok == nil || *tok == "" {
		return "", false, nil
	}
	return *tok, true, nil
}

func (s *postgresStore) SetPushToken(ctx context.Context, userID, token string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO users(id, push_token) VALUES($1, $2)
		ON CONFLICT(id) DO UPDATE SET push_token = EXCLUDED.push_token`, userID, nullStr(token))
	return err
}

func (s *postgresStore) SaveWebPushSubscription(ctx context.Context, sub *WebPushSubscription) error {
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
	return s.pool.QueryRow(ctx, `INSERT INTO webpush_subscriptions(id, user_id, endpoint, p256dh, auth, active, created_at)
		VALUES($1,$2,$3,$4,$5,TRUE,$6)
		ON CONFLICT(endpoint) DO UPDATE SET user_id = EXCLUDED.user_id, p256dh = EXCLUDED.p256dh,
		  auth = EXCLUDED.auth, active = TRUE
		RETURNING id, created_at`,
		sub.ID, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, sub.CreatedAt).Scan(&sub.ID, &sub.CreatedAt)
}

func (s *postgresStore) ActiveWebPushSubscriptions(ctx context.Context, userID string) ([]WebPushSubscription, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, endpoint, p256dh, auth, created_at
		FROM webpush_subscriptions WHERE user_id = $1 AND active ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]WebPushSubscription, 0)
	for rows.Next() {
		var sub WebPushSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Active = true
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *postgresStore) DeactivateWebPushSubscription(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE webpush_subscriptions SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ReachableUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM users WHERE push_token IS NOT NULL AND push_token <> ''
		UNION
		SELECT user_id FROM webpush_subscriptions WHERE active
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

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit(at, actor_id, action, target, ok, fail, err, took_ms, meta)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.At, nullStr(e.ActorID), e.Action, nullStr(e.Target), e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON))
	return err
}
