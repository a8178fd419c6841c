package task

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(NewDownload("u", name)))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.Filename)
	}
	assert.Zero(t, q.Len())
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()
	got := make(chan *Task)

	go func() {
		tk, _ := q.Dequeue()
		got <- tk
	}()

	select {
	case <-got:
		t.Fatal("Dequeue returned on an empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	want := NewList("u")
	require.NoError(t, q.Enqueue(want))

	select {
	case tk := <-got:
		assert.Same(t, want, tk)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake up")
	}
}

func TestQueueCloseDrainsThenStops(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Enqueue(NewList("a")))
	q.Close()

	assert.ErrorIs(t, q.Enqueue(NewList("b")), ErrQueueClosed)

	tk, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "a", tk.Username)

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestQueueCloseWakesAllConsumers(t *testing.T) {
	q := NewQueue()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Dequeue()
			assert.False(t, ok)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumers not woken by Close")
	}
}

func TestQueueEveryTaskConsumedOnce(t *testing.T) {
	const producers, perProducer = 8, 100
	q := NewQueue()

	var seen sync.Map
	var consumers sync.WaitGroup
	for i := 0; i < 4; i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				tk, ok := q.Dequeue()
				if !ok {
					return
				}
				_, dup := seen.LoadOrStore(tk, true)
				assert.False(t, dup, "task consumed twice")
			}
		}()
	}

	var producersWG sync.WaitGroup
	for p := 0; p < producers; p++ {
		producersWG.Add(1)
		go func() {
			defer producersWG.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, q.Enqueue(NewList("u")))
			}
		}()
	}
	producersWG.Wait()
	q.Close()
	consumers.Wait()

	count := 0
	seen.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, producers*perProducer, count)
}
