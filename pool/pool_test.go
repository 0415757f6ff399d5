package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandle is a controllable Handle for tests.
type fakeHandle struct {
	id      int
	healthy atomic.Bool
	closed  atomic.Bool
}

func newFakeHandle(id int) *fakeHandle {
	h := &fakeHandle{id: id}
	h.healthy.Store(true)
	return h
}

func (h *fakeHandle) Render(_ context.Context, url string) (string, string, error) {
	return "<html></html>", url, nil
}

func (h *fakeHandle) Healthy(context.Context) bool { return h.healthy.Load() }

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

// countingFactory tracks how many handles were ever created.
type countingFactory struct {
	created atomic.Int32
}

func (f *countingFactory) factory(context.Context) (Handle, error) {
	return newFakeHandle(int(f.created.Add(1))), nil
}

func TestPool_AcquireCreatesLazily(t *testing.T) {
	f := &countingFactory{}
	p, err := New(Config{MaxSize: 3}, f.factory)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, int32(0), f.created.Load(), "no handles before first demand")

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.created.Load())
	p.Release(context.Background(), h)
}

func TestPool_ReusesReleasedHandle(t *testing.T) {
	f := &countingFactory{}
	p, err := New(Config{MaxSize: 2}, f.factory)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(ctx, h1)

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(ctx, h2)

	assert.Equal(t, int32(1), f.created.Load(), "released handle should be reused")
	assert.Same(t, h1, h2)
}

func TestPool_BoundNeverExceeded(t *testing.T) {
	const maxSize = 3

	f := &countingFactory{}
	p, err := New(Config{MaxSize: maxSize, AcquireTimeout: 5 * time.Second}, f.factory)
	require.NoError(t, err)
	defer p.Close()

	var inUse atomic.Int32
	var peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()

			h, err := p.Acquire(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			defer p.Release(ctx, h)

			n := inUse.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inUse.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(maxSize), "no more than MaxSize handles checked out at once")
	assert.LessOrEqual(t, f.created.Load(), int32(maxSize))
}

func TestPool_AcquireTimesOut(t *testing.T) {
	f := &countingFactory{}
	p, err := New(Config{MaxSize: 1, AcquireTimeout: 30 * time.Millisecond}, f.factory)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(ctx, h)

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestPool_AcquireHonorsContext(t *testing.T) {
	f := &countingFactory{}
	p, err := New(Config{MaxSize: 1}, f.factory)
	require.NoError(t, err)
	defer p.Close()

	bg := context.Background()
	h, err := p.Acquire(bg)
	require.NoError(t, err)
	defer p.Release(bg, h)

	ctx, cancel := context.WithCancel(bg)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_UnhealthyHandleDestroyedOnRelease(t *testing.T) {
	f := &countingFactory{}
	p, err := New(Config{MaxSize: 1}, f.factory)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	fake := h.(*fakeHandle)
	fake.healthy.Store(false)
	p.Release(ctx, h)

	assert.True(t, fake.closed.Load(), "unhealthy handle must be destroyed")

	// Replacement is lazy: next Acquire creates a fresh handle.
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	assert.Equal(t, int32(2), f.created.Load())
	p.Release(ctx, h2)
}

func TestPool_UnhealthyReleaseUnblocksWaiter(t *testing.T) {
	f := &countingFactory{}
	p, err := New(Config{MaxSize: 1, AcquireTimeout: 2 * time.Second}, f.factory)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan Handle, 1)
	go func() {
		h2, err := p.Acquire(ctx)
		if err != nil {
			t.Error(err)
			close(acquired)
			return
		}
		acquired <- h2
	}()

	// Give the waiter time to queue, then release a dead handle.
	time.Sleep(20 * time.Millisecond)
	h.(*fakeHandle).healthy.Store(false)
	p.Release(ctx, h)

	select {
	case h2 := <-acquired:
		require.NotNil(t, h2)
		p.Release(ctx, h2)
	case <-time.After(time.Second):
		t.Fatal("waiter was not unblocked by unhealthy release")
	}
}

func TestPool_CloseFailsWaiters(t *testing.T) {
	f := &countingFactory{}
	p, err := New(Config{MaxSize: 1}, f.factory)
	require.NoError(t, err)

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not failed by Close")
	}

	// Releasing after close destroys the handle.
	p.Release(ctx, h)
	assert.True(t, h.(*fakeHandle).closed.Load())

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPool_FactoryErrorReleasesCapacity(t *testing.T) {
	fail := errors.New("browser refused to start")
	attempts := 0
	factory := func(context.Context) (Handle, error) {
		attempts++
		if attempts == 1 {
			return nil, fail
		}
		return newFakeHandle(attempts), nil
	}

	p, err := New(Config{MaxSize: 1}, factory)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, fail)

	// The failed creation must not leak capacity.
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(ctx, h)
}

func TestPool_SlotBookkeepingSurvivesReuse(t *testing.T) {
	f := &countingFactory{}
	p, err := New(Config{MaxSize: 1}, f.factory)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	p.mu.Lock()
	s := p.checkedOut[h]
	p.mu.Unlock()
	require.NotNil(t, s)
	assert.Equal(t, 1, s.useCount)
	created := s.createdAt

	p.Release(ctx, h)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, h, h2)

	p.mu.Lock()
	s2 := p.checkedOut[h2]
	p.mu.Unlock()
	require.NotNil(t, s2)
	assert.Equal(t, 2, s2.useCount, "use count accumulates across checkouts")
	assert.Equal(t, created, s2.createdAt, "creation time survives reuse")
	p.Release(ctx, h2)
}

func TestPool_ReleaseClearsCheckedOut(t *testing.T) {
	f := &countingFactory{}
	p, err := New(Config{MaxSize: 1}, f.factory)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(ctx, h)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.checkedOut)
}

func TestPool_WaitingCount(t *testing.T) {
	f := &countingFactory{}
	p, err := New(Config{MaxSize: 1, AcquireTimeout: 5 * time.Second}, f.factory)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Waiting())

	acquired := make(chan Handle)
	go func() {
		h2, aerr := p.Acquire(ctx)
		if aerr == nil {
			acquired <- h2
		}
	}()

	require.Eventually(t, func() bool { return p.Waiting() == 1 },
		2*time.Second, 10*time.Millisecond)

	p.Release(ctx, h)
	h2 := <-acquired
	assert.Equal(t, 0, p.Waiting())
	p.Release(ctx, h2)
}
