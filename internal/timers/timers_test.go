package timers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"userscriptd/internal/storage"
	logx "userscriptd/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	fired []string
	ch    chan string
}

func newRecorder() *recorder { return &recorder{ch: make(chan string, 16)} }

func (r *recorder) cb(id string, _ time.Time) {
	r.mu.Lock()
	r.fired = append(r.fired, id)
	r.mu.Unlock()
	select {
	case r.ch <- id:
	default:
	}
}

func (r *recorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire")
		return ""
	}
}

func TestOneShotFiresOnceAndClearsStore(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	l := NewLocal(st, logx.Nop())
	rec := newRecorder()
	l.SetCallback(rec.cb)
	require.NoError(t, l.Start(ctx))
	defer l.Stop()

	require.NoError(t, l.Arm(ctx, "a", time.Now().Add(20*time.Millisecond), 0))
	require.Equal(t, "a", rec.wait(t))

	require.Eventually(t, func() bool {
		armed, err := l.ListArmed(ctx)
		return err == nil && len(armed) == 0
	}, time.Second, 10*time.Millisecond)

	select {
	case id := <-rec.ch:
		t.Fatalf("unexpected second fire of %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisarmPreventsFire(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(storage.NewMemory(), logx.Nop())
	rec := newRecorder()
	l.SetCallback(rec.cb)
	require.NoError(t, l.Start(ctx))
	defer l.Stop()

	require.NoError(t, l.Arm(ctx, "a", time.Now().Add(30*time.Millisecond), 0))
	require.NoError(t, l.Disarm(ctx, "a"))

	select {
	case <-rec.ch:
		t.Fatal("disarmed alarm fired")
	case <-time.After(80 * time.Millisecond):
	}
	armed, err := l.ListArmed(ctx)
	require.NoError(t, err)
	require.Empty(t, armed)
}

func TestRearmReplacesPreviousTimer(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(storage.NewMemory(), logx.Nop())
	rec := newRecorder()
	l.SetCallback(rec.cb)
	require.NoError(t, l.Start(ctx))
	defer l.Stop()

	require.NoError(t, l.Arm(ctx, "a", time.Now().Add(20*time.Millisecond), 0))
	require.NoError(t, l.Arm(ctx, "a", time.Now().Add(time.Hour), 0))

	select {
	case <-rec.ch:
		t.Fatal("replaced alarm fired")
	case <-time.After(60 * time.Millisecond):
	}
	require.Equal(t, []string{"a"}, l.Armed())
}

func TestPeriodicAlarmRepeats(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(storage.NewMemory(), logx.Nop())
	rec := newRecorder()
	l.SetCallback(rec.cb)
	require.NoError(t, l.Start(ctx))
	defer l.Stop()

	require.NoError(t, l.Arm(ctx, "p", time.Now().Add(10*time.Millisecond), 20*time.Millisecond))
	rec.wait(t)
	rec.wait(t)

	armed, err := l.ListArmed(ctx)
	require.NoError(t, err)
	require.Len(t, armed, 1)
	require.Equal(t, 20*time.Millisecond, armed[0].Period)
}

func TestStartRestoresPersistedAlarms(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()

	first := NewLocal(st, logx.Nop())
	require.NoError(t, first.Arm(ctx, "later", time.Now().Add(time.Hour), 0))
	require.NoError(t, first.Arm(ctx, "overdue", time.Now().Add(-time.Minute), 0))

	second := NewLocal(st, logx.Nop())
	rec := newRecorder()
	second.SetCallback(rec.cb)
	require.NoError(t, second.Start(ctx))
	defer second.Stop()

	require.Equal(t, "overdue", rec.wait(t))
	require.Eventually(t, func() bool {
		armed, _ := second.ListArmed(ctx)
		return len(armed) == 1 && armed[0].ID == "later"
	}, time.Second, 10*time.Millisecond)
}

func TestArmRejectsInvalid(t *testing.T) {
	l := NewLocal(storage.NewMemory(), logx.Nop())
	require.ErrorIs(t, l.Arm(context.Background(), "", time.Now(), 0), ErrInvalidAlarm)
	require.ErrorIs(t, l.Arm(context.Background(), "x", time.Time{}, 0), ErrInvalidAlarm)
}

func TestNextPeriodicSkipsMissed(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(35 * time.Minute)
	require.Equal(t, base.Add(40*time.Minute), nextPeriodic(base, 10*time.Minute, now))
	require.Equal(t, base.Add(10*time.Minute), nextPeriodic(base, 10*time.Minute, base))
}
