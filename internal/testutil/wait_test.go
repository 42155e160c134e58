package testutil

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitFor_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	assert.True(t, WaitFor(t, func() bool { return true }, WithTimeout(time.Second)))
}

func TestWaitFor_EventualSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	ok := WaitFor(t, func() bool {
		calls++
		return calls >= 3
	}, WithTimeout(time.Second), WithInterval(time.Millisecond))

	assert.True(t, ok)
	assert.Equal(t, 3, calls)
}

func TestWaitFor_Timeout(t *testing.T) {
	t.Parallel()
	start := time.Now()
	ok := WaitFor(t, func() bool { return false }, WithTimeout(50*time.Millisecond), WithInterval(5*time.Millisecond))

	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitFor_ChecksOnceAfterZeroTimeout(t *testing.T) {
	t.Parallel()
	calls := 0
	ok := WaitFor(t, func() bool {
		calls++
		return false
	}, WithTimeout(0))

	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}

func TestMustWaitForCount(t *testing.T) {
	t.Parallel()
	var n atomic.Int64
	go func() {
		for range 5 {
			n.Add(1)
			time.Sleep(time.Millisecond)
		}
	}()

	MustWaitForCount(t, &n, 5, WithTimeout(time.Second))
}

func TestMustNotHappen(t *testing.T) {
	t.Parallel()
	var flag atomic.Bool
	MustNotHappen(t, flag.Load, WithTimeout(30*time.Millisecond))
}
