package storage

import (
	"context"
	"errors"
	"time"

	"notifyhub/internal/notification"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned by CreateNotification when the id exists.
	ErrDuplicate = errors.New("duplicate notification")
	// ErrClaimLost means the record is no longer held under the caller's
	// claim token: it finished, was released, or another sweep took over
	// an expired lease.
	ErrClaimLost = errors.New("claim lost")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on restart
//   - "sqlite": SQLite database file (modernc, no cgo)
//   - "postgres": PostgreSQL via pgx pool
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// WebPushSubscription is a browser push endpoint registered by a user.
// Expired subscriptions are deactivated, never deleted.
type WebPushSubscription struct {
	ID        string
	UserID    string
	Endpoint  string
	P256dh    string
	Auth      string
	Active    bool
	CreatedAt time.Time
}

// ListFilter narrows ListNotifications. Zero values mean "any".
type ListFilter struct {
	Status notification.Status
	Limit  int
}

// DueQuery selects records a sweep may claim, ordered by ScheduledFor then
// ID.
type DueQuery struct {
	// Due is the schedule cutoff for PENDING records.
	Due time.Time
	// StaleBefore admits PROCESSING records whose lease was last stamped
	// before it. Callers derive it from the wall clock, never from Due.
	StaleBefore time.Time
	// After resumes the listing past records already returned.
	After *DueCursor
	Limit int
}

type DueCursor struct {
	ScheduledFor time.Time
	ID           string
}

func (c *DueCursor) before(scheduledFor time.Time, id string) bool {
	if c == nil {
		return true
	}
	return scheduledFor.After(c.ScheduledFor) || (scheduledFor.Equal(c.ScheduledFor) && id > c.ID)
}

// Lease identifies one sweep's claim on a record. At is the wall-clock time
// the lease was taken or last renewed.
type Lease struct {
	ID    string
	Token string
	At    time.Time
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At       time.Time
	ActorID  string
	Action   string
	Target   string
	OK       int
	Fail     int
	Error    string
	TookMS   int64
	MetaJSON string
}

// Store is the persistence API used by the delivery engine, the dispatcher
// and the trigger layer.
type Store interface {
	// Notification records. CreateNotification fails with ErrDuplicate when
	// the id is taken.
	CreateNotification(ctx context.Context, rec *notification.Record) error
	GetNotification(ctx context.Context, id string) (*notification.Record, error)
	ListNotifications(ctx context.Context, f ListFilter) ([]*notification.Record, error)
	ListDue(ctx context.Context, q DueQuery) ([]*notification.Record, error)
	// Claim atomically moves a record that matches q into PROCESSING under
	// l.Token, stamped at l.At. It reports false when another sweep holds a
	// live lease or the record is no longer due.
	Claim(ctx context.Context, l Lease, q DueQuery) (bool, error)
	// RenewClaim restamps a held lease at l.At.
	RenewClaim(ctx context.Context, l Lease) error
	// Complete writes a terminal status. It fails with ErrClaimLost unless
	// the record is still PROCESSING under l.Token.
	Complete(ctx context.Context, l Lease, status notification.Status, at time.Time, lastErr string) error
	// Release returns a held record to PENDING, or fails with ErrClaimLost.
	Release(ctx context.Context, l Lease) error
	CountByStatus(ctx context.Context) (map[notification.Status]int, error)

	// User profile.
	// ClaimWelcome atomically sets the welcome flag and reports whether this
	// call was the one that set it.
	ClaimWelcome(ctx context.Context, userID string) (bool, error)
	ResetWelcome(ctx context.Context, userID string) error
	PushToken(ctx context.Context, userID string) (token string, ok bool, err error)
	SetPushToken(ctx context.Context, userID, token string) error

	// Web push subscriptions.
	SaveWebPushSubscription(ctx context.Context, sub *WebPushSubscription) error
	ActiveWebPushSubscriptions(ctx context.Context, userID string) ([]WebPushSubscription, error)
	DeactivateWebPushSubscription(ctx context.Context, id string) error

	// ReachableUsers lists users with a push token or an active web push
	// subscription.
	ReachableUsers(ctx context.Context) ([]string, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
