package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsInOrder(t *testing.T) {
	q := NewQueue(0, nil)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, q.Submit("s1", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	q.Wait()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Pending("s1"))
}

func TestQueueSerializesPerKey(t *testing.T) {
	q := NewQueue(0, nil)

	var running, maxRunning int32
	for i := 0; i < 20; i++ {
		q.Submit("s1", func() {
			n := atomic.AddInt32(&running, 1)
			for {
				m := atomic.LoadInt32(&maxRunning)
				if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
	}
	q.Wait()

	assert.Equal(t, int32(1), maxRunning)
}

func TestQueueKeysRunInParallel(t *testing.T) {
	q := NewQueue(0, nil)

	release := make(chan struct{})
	bStarted := make(chan struct{})
	q.Submit("a", func() { <-release })
	q.Submit("b", func() { close(bStarted) })

	select {
	case <-bStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("session b was blocked behind session a")
	}
	close(release)
	q.Wait()
}

func TestQueueDepth(t *testing.T) {
	q := NewQueue(2, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, q.Submit("s1", func() {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, q.Submit("s1", func() {}))
	require.NoError(t, q.Submit("s1", func() {}))
	assert.ErrorIs(t, q.Submit("s1", func() {}), ErrQueueFull)
	assert.NoError(t, q.Submit("other", func() {}))

	close(release)
	q.Wait()
	assert.NoError(t, q.Submit("s1", func() {}))
	q.Wait()
}

func TestQueueSurvivesPanics(t *testing.T) {
	q := NewQueue(0, nil)

	var ran atomic.Int32
	require.NoError(t, q.Submit("s1", func() { panic("boom") }))
	require.NoError(t, q.Submit("s1", func() { ran.Add(1) }))
	require.NoError(t, q.Submit("s2", func() { ran.Add(1) }))
	q.Wait()

	assert.Equal(t, int32(2), ran.Load())
	assert.NoError(t, q.Submit("s1", func() { ran.Add(1) }))
	q.Wait()
	assert.Equal(t, int32(3), ran.Load())
}

func TestQueueClose(t *testing.T) {
	q := NewQueue(0, nil)

	release := make(chan struct{})
	var ran atomic.Int32
	require.NoError(t, q.Submit("s1", func() {
		<-release
		ran.Add(1)
	}))
	require.NoError(t, q.Submit("s1", func() { ran.Add(1) }))

	q.Close()
	assert.ErrorIs(t, q.Submit("s1", func() { ran.Add(1) }), ErrQueueClosed)
	assert.ErrorIs(t, q.Submit("s2", func() { ran.Add(1) }), ErrQueueClosed)

	close(release)
	q.Wait()
	assert.Equal(t, int32(2), ran.Load(), "accepted tasks still run after Close")
}
