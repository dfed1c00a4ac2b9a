// Package notification holds the durable notification record shared by the
// delivery engine, the dispatcher and the stores.
package notification

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of a Record.
//
// Transitions are PENDING -> PROCESSING -> SENT|FAILED. SENT and FAILED are
// terminal. PROCESSING marks an in-flight claim taken by a sweep.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
)

func (s Status) Terminal() bool { return s == StatusSent || s == StatusFailed }

// ParseStatus is case-insensitive and returns false for unknown values.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, true
	case StatusProcessing:
		return StatusProcessing, true
	case StatusSent:
		return StatusSent, true
	case StatusFailed:
		return StatusFailed, true
	}
	return "", false
}

// Kind tells which trigger produced a record.
type Kind string

const (
	KindManual      Kind = "manual"
	KindLogin       Kind = "login"
	KindWelcome     Kind = "welcome"
	KindOrderStatus Kind = "order_status"
	KindBroadcast   Kind = "broadcast"
)

type Action struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Spec is the caller-supplied part of a record.
type Spec struct {
	Kind         Kind              `json:"kind,omitempty"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	ImageURL     string            `json:"image_url,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	Actions      []Action          `json:"actions,omitempty"`
	Recipients   []string          `json:"recipients,omitempty"`
	ScheduledFor time.Time         `json:"scheduled_for"`
	// DedupKey makes enqueueing idempotent: specs with the same key map to
	// the same record id. Not persisted.
	DedupKey string `json:"-"`
}

// Record is a persisted notification. An empty Recipients list means
// broadcast to every reachable user.
type Record struct {
	ID string `json:"id"`
	Spec

	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	// ClaimToken identifies the sweep holding a PROCESSING record.
	ClaimToken  string     `json:"-"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

func (r *Record) Broadcast() bool { return len(r.Recipients) == 0 }

// Clone returns a deep copy so stores can hand out records without sharing
// maps and slices with their internal state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Data != nil {
		cp.Data = make(map[string]string, len(r.Data))
		for k, v := range r.Data {
			cp.Data[k] = v
		}
	}
	cp.Actions = append([]Action(nil), r.Actions...)
	cp.Recipients = append([]string(nil), r.Recipients...)
	if r.ClaimedAt != nil {
		t := *r.ClaimedAt
		cp.ClaimedAt = &t
	}
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}

// Message is the payload pushed to every channel.
type Message struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	ImageURL  string            `json:"imageUrl,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Actions   []Action          `json:"actions,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

func (r *Record) Message(now time.Time) Message {
	return Message{
		ID:        r.ID,
		Title:     r.Title,
		Body:      r.Body,
		ImageURL:  r.ImageURL,
		Data:      r.Data,
		Actions:   r.Actions,
		Timestamp: now.UnixMilli(),
	}
}

// Frame is the envelope written to live streams.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

const (
	FrameConnected    = "connected"
	FrameHeartbeat    = "heartbeat"
	FrameNotification = "notification"
)

func EncodeFrame(f Frame) ([]byte, error) { return json.Marshal(f) }
