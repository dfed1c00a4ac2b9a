package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "notifyhub/pkg/logx"
)

type Config struct {
	Enabled bool
	// Timezone is an IANA name, e.g. "Europe/Berlin". Empty means Local.
	Timezone string
	// DefaultTimeout bounds a run when its schedule has no timeout. 0 means
	// no bound.
	DefaultTimeout time.Duration
	HistorySize    int
}

// Job is the work a schedule runs.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name          string
	spec          string // cron spec or "@every <d>"
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	running       *atomic.Bool
	skipped       *atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// ctx is the parent of every run; set by Start.
	ctx context.Context
	wg  sync.WaitGroup

	histMu  sync.Mutex
	history []HistoryItem

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type HistoryItem struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type ScheduleInfo struct {
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Timeout       time.Duration `json:"timeout"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Running       bool          `json:"running"`
	Skipped       uint64        `json:"skipped"`
	Next          time.Time     `json:"next"`
	Prev          time.Time     `json:"prev"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
	History   []HistoryItem  `json:"history"`
}
