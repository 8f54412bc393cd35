package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutybot/internal/task/engine"
	logx "dutybot/pkg/logx"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (r *recordingEnqueuer) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return r.err
}

func (r *recordingEnqueuer) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Name)
	}
	return out
}

func noop(context.Context) error { return nil }

func TestParseCron(t *testing.T) {
	for _, expr := range []string{"0 9 * * *", "*/5 * * * 1-5", "@daily", "@every 1h"} {
		_, err := ParseCron(expr)
		assert.NoError(t, err, expr)
	}
	for _, expr := range []string{"", "not a cron", "0 0 9 * * *", "61 * * * *"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestNextRuns(t *testing.T) {
	from := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	runs, err := NextRuns("30 9 * * *", from, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), runs[0])
	assert.Equal(t, time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC), runs[1])
}

func TestNewRejectsBadTimezone(t *testing.T) {
	_, err := New(Config{Timezone: "Nowhere/Land"}, nil, logx.Nop())
	require.Error(t, err)

	s, err := New(Config{Timezone: "Asia/Shanghai"}, nil, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "Asia/Shanghai", s.Location().String())
}

func TestAddCronUpsertAndTrigger(t *testing.T) {
	enq := &recordingEnqueuer{}
	s, err := New(Config{}, enq, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, s.AddCron("ops/log", "0 9 * * *", 0, noop))
	require.NoError(t, s.AddCron("ops/log", "0 10 * * *", 0, noop))
	require.NoError(t, s.AddCron("ops/pushplus", "0 8 * * 1-5", time.Second, noop))

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 2)
	assert.Equal(t, "0 10 * * *", snap.Schedules[0].Spec)
	assert.Equal(t, "ops/pushplus", snap.Schedules[1].Name)

	require.NoError(t, s.Trigger("ops/pushplus"))
	assert.Equal(t, []string{"ops/pushplus"}, enq.names())
	assert.ErrorIs(t, s.Trigger("missing"), ErrUnknownSchedule)

	assert.True(t, s.Remove("ops/log"))
	assert.False(t, s.Remove("ops/log"))
	assert.Len(t, s.Snapshot().Schedules, 1)
}

func TestAddCronRejectsInvalid(t *testing.T) {
	s, err := New(Config{}, &recordingEnqueuer{}, logx.Nop())
	require.NoError(t, err)
	assert.Error(t, s.AddCron("", "0 9 * * *", 0, noop))
	assert.Error(t, s.AddCron("x", "0 9 * *", 0, noop))
	assert.Error(t, s.AddCron("x", "0 9 * * *", 0, nil))
}

func TestFiresAndStops(t *testing.T) {
	enq := &recordingEnqueuer{}
	s, err := New(Config{}, enq, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.AddCron("tick", "@every 1s", 0, noop))

	s.Start()
	assert.True(t, s.Snapshot().Running)
	assert.False(t, s.Snapshot().Schedules[0].Next.IsZero())

	require.Eventually(t, func() bool { return len(enq.names()) > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	n := len(enq.names())
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, n, len(enq.names()))
}
