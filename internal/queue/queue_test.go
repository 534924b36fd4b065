package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"epdpanel/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewDefaultsCapacity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultCapacity, New(0).Cap())
	assert.Equal(t, 3, New(3).Cap())
}

func TestSendReceiveFIFO(t *testing.T) {
	t.Parallel()

	q := New(4)
	ctx := context.Background()
	kinds := []model.Kind{model.KindInit, model.KindClear, model.KindSleep, model.KindClearBlack}

	for _, k := range kinds {
		require.NoError(t, q.Send(ctx, model.NewJob(k)))
	}
	assert.Equal(t, 4, q.Len())

	for _, want := range kinds {
		got, err := q.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.Kind)
	}
	assert.Equal(t, 0, q.Len())
}

func TestSendBlocksUntilSlotFrees(t *testing.T) {
	t.Parallel()

	q := New(1)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, model.NewJob(model.KindInit)))

	done := make(chan error, 1)
	go func() {
		done <- q.Send(ctx, model.NewJob(model.KindSleep))
	}()

	select {
	case <-done:
		t.Fatal("send returned while queue was full")
	case <-time.After(20 * time.Millisecond):
	}

	first, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.KindInit, first.Kind)
	require.NoError(t, <-done)

	second, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.KindSleep, second.Kind)
}

func TestSendContextCancelled(t *testing.T) {
	t.Parallel()

	q := New(1)
	require.NoError(t, q.Send(context.Background(), model.NewJob(model.KindInit)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Send(ctx, model.NewJob(model.KindClear))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Len())
}

func TestSendTimeoutWithFakeClock(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	q := New(1, WithClock(clock))
	require.NoError(t, q.SendTimeout(model.NewJob(model.KindInit), time.Second))

	pool := model.NewPool()
	job := model.NewDisplay(pool.Get(4), 4)

	done := make(chan error, 1)
	go func() {
		done <- q.SendTimeout(job, 5*time.Second)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Second)

	err := <-done
	require.ErrorIs(t, err, ErrSendTimeout)

	// Ownership stays with the caller after a failed send.
	assert.True(t, job.Release())
	assert.EqualValues(t, 0, pool.Live())
	assert.Equal(t, 1, q.Len())
}

func TestSendTimeoutSucceedsWhenSlotFrees(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	q := New(1, WithClock(clock))
	require.NoError(t, q.SendTimeout(model.NewJob(model.KindInit), time.Second))

	done := make(chan error, 1)
	go func() {
		done <- q.SendTimeout(model.NewJob(model.KindClear), time.Minute)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	_, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)

	j, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.KindClear, j.Kind)
}

func TestReceiveContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := New(1).Receive(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDrainReleasesBuffers(t *testing.T) {
	t.Parallel()

	pool := model.NewPool()
	q := New(3)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, model.NewDisplay(pool.Get(8), 8)))
	require.NoError(t, q.Send(ctx, model.NewJob(model.KindSleep)))
	require.NoError(t, q.Send(ctx, model.NewDisplay(pool.Get(8), 8)))

	assert.Equal(t, 3, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.EqualValues(t, 0, pool.Live())
}

func TestConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	t.Parallel()

	const producers, perProducer = 4, 25
	q := New(DefaultCapacity)
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				j := model.NewJob(model.KindInit)
				j.Region = model.Region{X: uint32(p), Y: uint32(i)}
				_ = q.Send(ctx, j)
			}
		}()
	}

	last := map[uint32]int{}
	for i := 0; i < producers*perProducer; i++ {
		j, err := q.Receive(ctx)
		require.NoError(t, err)
		prev, seen := last[j.Region.X]
		if seen {
			assert.Greater(t, int(j.Region.Y), prev)
		}
		last[j.Region.X] = int(j.Region.Y)
	}
	wg.Wait()
}

func TestPropertySequentialSendsPreserveOrder(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, DefaultCapacity).Draw(t, "n")
		q := New(DefaultCapacity)
		ctx := context.Background()

		for i := 0; i < n; i++ {
			j := model.NewJob(model.KindInit)
			j.Region.X = uint32(i)
			if err := q.Send(ctx, j); err != nil {
				t.Fatalf("send: %v", err)
			}
		}
		for i := 0; i < n; i++ {
			j, err := q.Receive(ctx)
			if err != nil {
				t.Fatalf("receive: %v", err)
			}
			if j.Region.X != uint32(i) {
				t.Fatalf("position %d got job %d", i, j.Region.X)
			}
		}
	})
}
