package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsSubmittedTasks(t *testing.T) {
	t.Parallel()
	p := New(Config{Workers: 4, QueueSize: 8})
	defer p.Close()

	var done sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		done.Add(1)
		err := p.Submit(context.Background(), func(ctx context.Context) {
			defer done.Done()
			ran.Add(1)
		})
		require.NoError(t, err)
	}
	done.Wait()

	assert.Equal(t, int32(20), ran.Load())
	stats := p.Stats()
	assert.Equal(t, int64(20), stats.Submitted)
}

func TestWorkerPool_SubmitBlocksUntilContextDone(t *testing.T) {
	t.Parallel()
	p := New(Config{Workers: 1, QueueSize: 0})
	defer p.Close()

	block := make(chan struct{})
	defer close(block)

	// Occupy the only worker.
	err := p.Submit(context.Background(), func(ctx context.Context) {
		<-block
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = p.Submit(ctx, func(ctx context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerPool_SurvivesPanickingTask(t *testing.T) {
	t.Parallel()
	p := New(Config{Workers: 1, QueueSize: 4})
	defer p.Close()

	err := p.Submit(context.Background(), func(ctx context.Context) {
		panic("task blew up")
	})
	require.NoError(t, err)

	done := make(chan struct{})
	err = p.Submit(context.Background(), func(ctx context.Context) {
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool stopped processing after a panic")
	}
	assert.Equal(t, int64(1), p.Stats().Panicked)
}

func TestWorkerPool_CloseRejectsNewWork(t *testing.T) {
	t.Parallel()
	p := New(Config{Workers: 2, QueueSize: 2})
	p.Close()

	err := p.Submit(context.Background(), func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Close is idempotent.
	p.Close()
}

func TestWorkerPool_ConfigFloors(t *testing.T) {
	t.Parallel()
	p := New(Config{Workers: 0, QueueSize: -5})
	defer p.Close()

	done := make(chan struct{})
	err := p.Submit(context.Background(), func(ctx context.Context) {
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}
