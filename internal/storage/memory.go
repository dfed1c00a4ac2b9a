package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyhub/internal/notification"
)

type memUser struct {
	welcomeSent bool
	pushToken   string
}

// MemoryStore keeps everything in process memory. A single mutex makes every
// operation atomic, which is all Claim and ClaimWelcome need.
type MemoryStore struct {
	mu    sync.Mutex
	recs  map[string]*notification.Record
	users map[string]*memUser
	subs  map[string]*WebPushSubscription
	audit []AuditEntry

	// FailNext makes the next call of the named method return the error.
	// Tests use it to simulate store outages.
	failNext map[string]error
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		recs:     map[string]*notification.Record{},
		users:    map[string]*memUser{},
		subs:     map[string]*WebPushSubscription{},
		failNext: map[string]error{},
	}
}

// FailNext arms a one-shot failure for method (e.g. "Claim", "Complete").
func (m *MemoryStore) FailNext(method string, err error) {
	m.mu.Lock()
	m.failNext[method] = err
	m.mu.Unlock()
}

func (m *MemoryStore) takeFailure(method string) error {
	err, ok := m.failNext[method]
	if ok {
		delete(m.failNext, method)
	}
	return err
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateNotification(_ context.Context, rec *notification.Record) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return errors.New("notification id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("CreateNotification"); err != nil {
		return err
	}
	if _, dup := m.recs[rec.ID]; dup {
		return ErrDuplicate
	}
	m.recs[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) GetNotification(_ context.Context, id string) (*notification.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, f ListFilter) ([]*notification.Record, error) {
	m.mu.Lock()
	out := make([]*notification.Record, 0, len(m.recs))
	for _, r := range m.recs {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func dueAt(r *notification.Record, q DueQuery) bool {
	switch r.Status {
	case notification.StatusPending:
		return !r.ScheduledFor.After(q.Due)
	case notification.StatusProcessing:
		return r.ClaimedAt != nil && r.ClaimedAt.Before(q.StaleBefore)
	}
	return false
}

func (m *MemoryStore) ListDue(_ context.Context, q DueQuery) ([]*notification.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("ListDue"); err != nil {
		return nil, err
	}
	out := make([]*notification.Record, 0)
	for _, r := range m.recs {
		if dueAt(r, q) && q.After.before(r.ScheduledFor, r.ID) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Claim(_ context.Context, l Lease, q DueQuery) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("Claim"); err != nil {
		return false, err
	}
	r, ok := m.recs[l.ID]
	if !ok || !dueAt(r, q) {
		return false, nil
	}
	t := l.At
	r.Status = notification.StatusProcessing
	r.ClaimedAt = &t
	r.ClaimToken = l.Token
	return true, nil
}

// held returns the record if it is PROCESSING under l.Token.
func (m *MemoryStore) held(l Lease) (*notification.Record, error) {
	r, ok := m.recs[l.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != notification.StatusProcessing || r.ClaimToken != l.Token {
		return nil, ErrClaimLost
	}
	return r, nil
}

func (m *MemoryStore) RenewClaim(_ context.Context, l Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("RenewClaim"); err != nil {
		return err
	}
	r, err := m.held(l)
	if err != nil {
		return err
	}
	t := l.At
	r.ClaimedAt = &t
	return nil
}

func (m *MemoryStore) Complete(_ context.Context, l Lease, status notification.Status, at time.Time, lastErr string) error {
	if !status.Terminal() {
		return errors.New("complete requires a terminal status")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("Complete"); err != nil {
		return err
	}
	r, err := m.held(l)
	if err != nil {
		return err
	}
	t := at
	r.Status = status
	r.ProcessedAt = &t
	r.LastError = lastErr
	r.ClaimToken = ""
	return nil
}

func (m *MemoryStore) Release(_ context.Context, l Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.held(l)
	if err != nil {
		return err
	}
	r.Status = notification.StatusPending
	r.ClaimedAt = nil
	r.ClaimToken = ""
	return nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[notification.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[notification.Status]int{}
	for _, r := range m.recs {
		out[r.Status]++
	}
	return out, nil
}

func (m *MemoryStore) user(id string) *memUser {
	u, ok := m.users[id]
	if !ok {
		u = &memUser{}
		m.users[id] = u
	}
	return u
}

func (m *MemoryStore) ClaimWelcome(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("ClaimWelcome"); err != nil {
		return false, err
	}
	u := m.user(userID)
	if u.welcomeSent {
		return false, nil
	}
	u.welcomeSent = true
	return true, nil
}

func (m *MemoryStore) ResetWelcome(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.welcomeSent = false
	}
	return nil
}

func (m *MemoryStore) PushToken(_ context.Context, userID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("PushToken"); err != nil {
		return "", false, err
	}
	u, ok := m.users[userID]
	if !ok || u.pushToken == "" {
		return "", false, nil
	}
	return u.pushToken, true, nil
}

func (m *MemoryStore) SetPushToken(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user(userID).pushToken = strings.TrimSpace(token)
	return nil
}

func (m *MemoryStore) SaveWebPushSubscription(_ context.Context, sub *WebPushSubscription) error {
	if sub == nil || sub.Endpoint == "" {
		return errors.New("web push endpoint is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// One row per endpoint; re-subscribing reactivates it.
	for _, s := range m.subs {
		if s.Endpoint == sub.Endpoint {
			s.UserID, s.P256dh, s.Auth, s.Active = sub.UserID, sub.P256dh, sub.Auth, true
			sub.ID, sub.Active, sub.CreatedAt = s.ID, true, s.CreatedAt
			return nil
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	sub.Active = true
	cp := *sub
	m.subs[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) ActiveWebPushSubscriptions(_ context.Context, userID string) ([]WebPushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WebPushSubscription, 0)
	for _, s := range m.subs {
		if s.UserID == userID && s.Active {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeactivateWebPushSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	s.Active = false
	return nil
}

func (m *MemoryStore) ReachableUsers(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	for id, u := range m.users {
		if u.pushToken != "" {
			seen[id] = struct{}{}
		}
	}
	for _, s := range m.subs {
		if s.Active {
			seen[s.UserID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// Audit returns a copy of the audit trail.
func (m *MemoryStore) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}
