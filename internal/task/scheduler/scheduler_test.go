package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "notifyhub/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		cron  string
	}{
		{in: "every 10s", kind: SpecInterval, every: 10 * time.Second},
		{in: "every:1m", kind: SpecInterval, every: time.Minute},
		{in: "interval:00:05", kind: SpecInterval, every: 5 * time.Minute},
		{in: "30s", kind: SpecInterval, every: 30 * time.Second},
		{in: "*/10 * * * * *", kind: SpecCron, cron: "*/10 * * * * *"},
		{in: "@every 15s", kind: SpecCron, cron: "@every 15s"},
		{in: "cron:@hourly", kind: SpecCron, cron: "@hourly"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			ps, err := ParseSchedule(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, ps.Kind)
			assert.Equal(t, tc.every, ps.Every)
			assert.Equal(t, tc.cron, ps.Cron)
		})
	}

	for _, bad := range []string{"", "soon", "every 0s", "interval:", "cron:"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

func TestAddScheduleRejectsBadSpec(t *testing.T) {
	s := New(Config{}, logx.Nop())
	assert.Error(t, s.AddSchedule("sweep", "61 * * * *", 0, func(context.Context) error { return nil }))
	assert.Error(t, s.AddSchedule("", "10s", 0, func(context.Context) error { return nil }))
	assert.Error(t, s.AddSchedule("sweep", "10s", 0, nil))
}

func TestRunNowSkipsOverlapAndRecordsHistory(t *testing.T) {
	s := New(Config{HistorySize: 2}, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, s.AddSchedule("sweep", "every 1h", 0, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return nil
		}
		return errors.New("store down")
	}))

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- s.RunNow(ctx, "sweep") }()
	<-started

	assert.ErrorIs(t, s.RunNow(ctx, "sweep"), ErrSkipped)
	close(release)
	require.NoError(t, <-done)

	assert.EqualError(t, s.RunNow(ctx, "sweep"), "store down")
	assert.ErrorIs(t, s.RunNow(ctx, "missing"), ErrUnknownSchedule)

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, uint64(1), snap.Schedules[0].Skipped)
	assert.Equal(t, "@every 1h0m0s", snap.Schedules[0].Spec)
	require.Len(t, snap.History, 2)
	assert.Empty(t, snap.History[0].Error)
	assert.Equal(t, "store down", snap.History[1].Error)
}

func TestRunRecoversPanicAndAppliesTimeout(t *testing.T) {
	s := New(Config{DefaultTimeout: 20 * time.Millisecond}, logx.Nop())
	require.NoError(t, s.AddSchedule("boom", "1h", 0, func(context.Context) error { panic("bad") }))
	assert.ErrorContains(t, s.RunNow(context.Background(), "boom"), "panic")

	require.NoError(t, s.AddSchedule("slow", "1h", 0, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	assert.ErrorIs(t, s.RunNow(context.Background(), "slow"), context.DeadlineExceeded)
}

func TestCronTriggersRegisteredJobs(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop())
	var calls atomic.Int32
	require.NoError(t, s.AddSchedule("tick", "* * * * * *", 0, func(context.Context) error {
		calls.Add(1)
		return nil
	}))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	assert.False(t, snap.Schedules[0].Next.IsZero())

	assert.True(t, s.Remove("tick"))
	assert.False(t, s.Remove("tick"))
}

func TestApplyTimezoneRestartsCron(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop())
	require.NoError(t, s.AddSchedule("sweep", "every 10s", 0, func(context.Context) error { return nil }))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Apply(Config{Enabled: true, Timezone: "Asia/Jakarta"})
	snap := s.Snapshot()
	assert.Equal(t, "Asia/Jakarta", snap.Timezone)
	require.Len(t, snap.Schedules, 1)
	assert.False(t, snap.Schedules[0].Next.IsZero())
}

func TestIntervalSpreadDelaysFirstRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := makeIntervalScheduleWithSpread(10*time.Second, now)
	assert.GreaterOrEqual(t, jitter, time.Duration(0))
	assert.Less(t, jitter, 10*time.Second)
	first := sched.Next(now)
	assert.Equal(t, now.Add(10*time.Second+jitter), first)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("every 10s"))
	assert.NoError(t, ValidateSchedule("*/5 * * * *"))
	assert.NoError(t, ValidateSchedule("0 */2 * * * *"))
	assert.Error(t, ValidateSchedule("* * * banana *"))
	assert.Error(t, ValidateSchedule("whenever"))
}
