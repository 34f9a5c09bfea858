package orchestrator

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncer_CoalescesPerKey(t *testing.T) {
	d := newDebouncer(20 * time.Millisecond)
	var a, b atomic.Int32

	for range 5 {
		d.Debounce(recordKey("a"), func() { a.Add(1) })
	}
	d.Debounce(recordKey("b"), func() { b.Add(1) })
	assert.Equal(t, 2, d.Pending())

	require.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, d.Pending())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), a.Load())
}

func TestDebouncer_Cancel(t *testing.T) {
	d := newDebouncer(20 * time.Millisecond)
	var calls atomic.Int32

	d.Debounce(recordKey("a"), func() { calls.Add(1) })
	d.Cancel(recordKey("a"))
	d.Debounce(recordKey("b"), func() { calls.Add(1) })
	d.Clear()

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Zero(t, d.Pending())
}

func TestDebouncer_ZeroWindowRunsNow(t *testing.T) {
	d := newDebouncer(0)
	done := make(chan struct{})

	d.Debounce(recordKey("a"), func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
	assert.Zero(t, d.Pending())
}
