package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recorderMock struct {
	mock.Mock
}

func (m *recorderMock) RecordHaltEvent(ctx context.Context, ev Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

var fixedNow = time.Date(2025, 8, 4, 14, 30, 0, 0, time.UTC)

func newSwitch(t *testing.T, opts ...Option) (*KillSwitch, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "EMERGENCY_STOP.txt")
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(path, opts...), path
}

func TestActivate_PersistsAndIsIdempotent(t *testing.T) {
	ks, path := newSwitch(t)
	assert.False(t, ks.IsActive())

	assert.True(t, ks.Activate("daily loss limit", "risk", false))
	assert.True(t, ks.IsActive())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "daily loss limit", rec["reason"])
	assert.Equal(t, "risk", rec["source"])
	assert.Equal(t, false, rec["monitor_only"])
	assert.NotEmpty(t, rec["activated_at"])

	assert.False(t, ks.Activate("second reason", "other", true))
	st := ks.State()
	assert.Equal(t, "daily loss limit", st.Reason, "second activation must keep the original reason")
	assert.Equal(t, "risk", st.Source)
	assert.False(t, st.MonitorOnly)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestPersistReloadRoundTrip(t *testing.T) {
	ks, path := newSwitch(t)
	require.True(t, ks.Activate("broker outage", "ops", true))
	before := ks.State()

	reloaded := New(path, WithClock(func() time.Time { return fixedNow.Add(time.Hour) }))
	after := reloaded.State()
	assert.True(t, after.Active)
	assert.Equal(t, before.Reason, after.Reason)
	assert.Equal(t, before.Source, after.Source)
	assert.Equal(t, before.MonitorOnly, after.MonitorOnly)
	require.NotNil(t, after.ActivatedAt)
	assert.True(t, before.ActivatedAt.Equal(*after.ActivatedAt))
	assert.True(t, reloaded.IsMonitorOnly())
}

func TestDeactivate(t *testing.T) {
	ks, path := newSwitch(t)
	assert.False(t, ks.Deactivate("ops"), "inactive switch cannot be deactivated")

	require.True(t, ks.Activate("test", "ops", false))
	assert.True(t, ks.Deactivate("ops"))
	assert.False(t, ks.IsActive())
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	assert.False(t, New(path).IsActive())
}

func TestExternalFileTrigger(t *testing.T) {
	ks, path := newSwitch(t)
	assert.False(t, ks.CheckFileTrigger())

	require.NoError(t, os.WriteFile(path, []byte("manual halt\n"), 0o644))
	assert.True(t, ks.CheckFileTrigger())

	st := ks.Status()
	assert.True(t, st.Active)
	assert.Equal(t, "manual halt", st.Reason)
	assert.Equal(t, SourceExternal, st.Source)
	assert.True(t, st.StopFileExists)

	assert.False(t, ks.CheckFileTrigger(), "already active")
}

func TestExternalFileTrigger_JSONRecord(t *testing.T) {
	ks, path := newSwitch(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"reason":"vol spike","monitor_only":true}`), 0o644))
	require.True(t, ks.CheckFileTrigger())
	st := ks.State()
	assert.Equal(t, "vol spike", st.Reason)
	assert.Equal(t, SourceExternal, st.Source)
	assert.True(t, st.MonitorOnly)
}

func TestLoad_FailSafe(t *testing.T) {
	t.Run("unstructured content becomes reason", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "EMERGENCY_STOP.txt")
		require.NoError(t, os.WriteFile(path, []byte("stop everything"), 0o644))
		st := New(path).State()
		assert.True(t, st.Active)
		assert.Equal(t, "stop everything", st.Reason)
		assert.Equal(t, SourceExternal, st.Source)
	})
	t.Run("empty file still halts", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "EMERGENCY_STOP.txt")
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		st := New(path).State()
		assert.True(t, st.Active)
		assert.Equal(t, defaultExternalReason, st.Reason)
	})
	t.Run("unreadable record halts", func(t *testing.T) {
		// 路径是目录时 ReadFile 失败
		path := filepath.Join(t.TempDir(), "EMERGENCY_STOP.txt")
		require.NoError(t, os.Mkdir(path, 0o755))
		st := New(path).State()
		assert.True(t, st.Active)
		assert.Contains(t, st.Reason, "unreadable")
	})
}

func TestActivate_PersistFailureStaysActive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	ks := New(filepath.Join(dir, "EMERGENCY_STOP.txt"))
	require.False(t, ks.IsActive())
	// 目录位置被普通文件占用，写入必然失败
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o644))

	assert.True(t, ks.Activate("disk full", "risk", false))
	assert.True(t, ks.IsActive())
}

func TestRecorderAndHooks(t *testing.T) {
	rec := new(recorderMock)
	rec.On("RecordHaltEvent", mock.Anything, mock.MatchedBy(func(ev Event) bool {
		return ev.Action == "activate" && ev.Reason == "halt" && ev.Source == "ops"
	})).Return(nil).Once()
	rec.On("RecordHaltEvent", mock.Anything, mock.MatchedBy(func(ev Event) bool {
		return ev.Action == "deactivate" && ev.Source == "ops"
	})).Return(errors.New("db down")).Once()

	ks, _ := newSwitch(t, WithRecorder(rec))
	var seen []bool
	ks.OnChange(func(st State) { seen = append(seen, st.Active) })

	require.True(t, ks.Activate("halt", "ops", false))
	require.True(t, ks.Deactivate("ops"))

	rec.AssertExpectations(t)
	assert.Equal(t, []bool{true, false}, seen)
}

func TestConcurrentActivateOnlyOneWins(t *testing.T) {
	ks, _ := newSwitch(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ks.Activate("race", "test", false) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestWatchPicksUpStopFile(t *testing.T) {
	ks, path := newSwitch(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ks.Watch(ctx, 20*time.Millisecond, true)
	}()

	require.NoError(t, os.WriteFile(path, []byte("manual halt"), 0o644))
	assert.Eventually(t, ks.IsActive, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, "manual halt", ks.State().Reason)
}
