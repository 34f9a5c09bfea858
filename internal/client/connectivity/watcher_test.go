package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	down atomic.Bool
}

func (f *fakePinger) Ping(context.Context) error {
	if f.down.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func TestCheck_Transitions(t *testing.T) {
	p := &fakePinger{}
	w := NewWatcher(p, time.Hour, time.Second, logging.Discard())
	ctx := context.Background()

	assert.Equal(t, ModeUnknown, w.Mode())
	assert.Equal(t, ModeOnline, w.Check(ctx))
	assert.Equal(t, ModeOnline, <-w.Changes())

	p.down.Store(true)
	assert.Equal(t, ModeOffline, w.Check(ctx))
	assert.Equal(t, ModeOffline, w.Check(ctx))
	assert.Equal(t, ModeOffline, <-w.Changes())

	select {
	case m := <-w.Changes():
		t.Fatalf("unexpected transition to %s", m)
	default:
	}
}

func TestChanges_CoalescesToLatest(t *testing.T) {
	p := &fakePinger{}
	w := NewWatcher(p, time.Hour, time.Second, logging.Discard())
	ctx := context.Background()

	w.Check(ctx)
	p.down.Store(true)
	w.Check(ctx)

	assert.Equal(t, ModeOffline, <-w.Changes())
}

func TestRun_StopsOnCancel(t *testing.T) {
	p := &fakePinger{}
	w := NewWatcher(p, 10*time.Millisecond, time.Second, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Equal(t, ModeOnline, <-w.Changes())
	p.down.Store(true)
	require.Equal(t, ModeOffline, <-w.Changes())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
