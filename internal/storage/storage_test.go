package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutybot/internal/eventbus"
	logx "dutybot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}

func testStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 11, 8, 8, 0, 0, 0, time.UTC)
	for i, kind := range []string{eventbus.UploadAccepted, eventbus.SinkDelivered, eventbus.SinkFailed} {
		require.NoError(t, st.Append(ctx, Entry{
			At:     base.Add(time.Duration(i) * time.Minute),
			Kind:   kind,
			Flow:   "ops",
			Target: "pushplus",
			OK:     kind != eventbus.SinkFailed,
			TookMS: int64(i),
		}))
	}

	got, err := st.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, eventbus.SinkFailed, got[0].Kind)
	assert.False(t, got[0].OK)
	assert.Equal(t, eventbus.SinkDelivered, got[1].Kind)
	assert.True(t, got[1].At.Equal(base.Add(time.Minute)))

	none, err := st.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "data", "audit.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	testStore(t, st)

	_, err = os.Stat(filepath.Join(dir, "data", "audit.audit.jsonl"))
	require.NoError(t, err)
}

func TestFileStoreRequiresPath(t *testing.T) {
	_, err := Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "audit.db"), BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	testStore(t, st)
}

func TestNilSQLiteStoreDisabled(t *testing.T) {
	var s *sqliteStore
	err := s.Append(context.Background(), Entry{})
	require.True(t, errors.Is(err, ErrDisabled))
}

func TestEntryFromEvent(t *testing.T) {
	now := time.Now()

	e, ok := EntryFromEvent(eventbus.Event{Type: eventbus.SinkFailed, Time: now, Data: eventbus.Delivery{
		Sink: "ops/pushplus", Duration: 1500 * time.Millisecond, Error: "boom",
	}})
	require.True(t, ok)
	assert.Equal(t, "ops", e.Flow)
	assert.Equal(t, "pushplus", e.Target)
	assert.False(t, e.OK)
	assert.Equal(t, int64(1500), e.TookMS)

	e, ok = EntryFromEvent(eventbus.Event{Type: eventbus.UploadRejected, Time: now, Data: eventbus.Upload{
		ID: "u1", Flow: "ops", Filename: "a.txt", Reason: "not excel",
	}})
	require.True(t, ok)
	assert.Equal(t, "a.txt", e.Target)
	assert.Equal(t, "not excel", e.Error)
	assert.Equal(t, "u1", e.Meta)

	_, ok = EntryFromEvent(eventbus.Event{Type: eventbus.TaskStarted, Data: eventbus.TaskInfo{}})
	assert.False(t, ok)
}

func TestRecorderAppendsEvents(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = NewRecorder(st, logx.Nop()).Run(ctx, bus)
	}()

	require.Eventually(t, func() bool {
		eventbus.Publish(bus, eventbus.ScheduleRollover, eventbus.ScheduleChange{Source: "ops", Entries: 7})
		got, err := st.Recent(context.Background(), 1)
		return err == nil && len(got) == 1
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	got, err := st.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, eventbus.ScheduleRollover, got[0].Kind)
	assert.Equal(t, "ops", got[0].Flow)
}
