// Package pool provides a bounded pool of expensive acquisition handles,
// typically headless-browser contexts. Creating a handle costs hundreds of
// milliseconds to seconds, so handles are reused across fetches while total
// process usage stays capped.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool is closed")

// ErrAcquireTimeout is returned when no handle becomes available within the
// acquire timeout.
var ErrAcquireTimeout = errors.New("timed out waiting for pool handle")

// Handle is one pooled acquisition resource.
type Handle interface {
	// Render navigates to url and returns the rendered HTML and final URL.
	Render(ctx context.Context, url string) (html string, finalURL string, err error)

	// Healthy reports whether the handle can serve another request.
	Healthy(ctx context.Context) bool

	// Close destroys the underlying resource.
	Close() error
}

// Factory creates a new Handle.
type Factory func(ctx context.Context) (Handle, error)

// slot wraps a handle with its lifecycle bookkeeping.
type slot struct {
	handle    Handle
	createdAt time.Time
	useCount  int
}

// Config holds pool settings.
type Config struct {
	// MaxSize caps simultaneously live handles.
	MaxSize int

	// AcquireTimeout bounds how long Acquire waits for an idle handle.
	// Zero means wait until ctx is done.
	AcquireTimeout time.Duration
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("MaxSize must be positive, got %d", c.MaxSize)
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("AcquireTimeout must not be negative")
	}
	return nil
}

// Pool is a bounded handle pool safe for concurrent use. Callers wait in
// FIFO order when all slots are busy. Failed handles are destroyed on
// release and replaced lazily on next demand, avoiding pool thrash under
// sustained failure.
type Pool struct {
	config  Config
	factory Factory
	logger  *slog.Logger

	mu         sync.Mutex
	idle       []*slot
	checkedOut map[Handle]*slot
	numLive    int // idle + checked out
	waiters    *list.List
	closed     bool
}

// waiter is one blocked Acquire call. The slot (or nil) is delivered on ch.
type waiter struct {
	ch chan *slot
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// New creates a pool. Handles are created lazily on demand, never eagerly.
func New(cfg Config, factory Factory, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("factory is required")
	}

	p := &Pool{
		config:     cfg,
		factory:    factory,
		logger:     slog.Default(),
		checkedOut: make(map[Handle]*slot),
		waiters:    list.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Acquire checks out a handle, blocking up to the configured timeout (and
// honoring ctx) when the pool is at capacity with all handles busy.
func (p *Pool) Acquire(ctx context.Context) (Handle, error) {
	if p.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.config.AcquireTimeout, ErrAcquireTimeout)
		defer cancel()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	// Fast path: an idle handle is available.
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		s.useCount++
		p.checkedOut[s.handle] = s
		p.mu.Unlock()
		return s.handle, nil
	}

	// Room to grow: create a new handle outside the lock.
	if p.numLive < p.config.MaxSize {
		p.numLive++
		p.mu.Unlock()

		h, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.numLive--
			p.mu.Unlock()
			return nil, fmt.Errorf("create pool handle: %w", err)
		}
		p.trackNew(h)
		return h, nil
	}

	// At capacity: join the FIFO waiter queue.
	w := &waiter{ch: make(chan *slot, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case s, ok := <-w.ch:
		if !ok {
			return nil, ErrClosed
		}
		if s == nil {
			// A slot died while we waited; retry, a creation spot is
			// reserved for us.
			h, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.numLive--
				p.mu.Unlock()
				return nil, fmt.Errorf("create pool handle: %w", err)
			}
			p.trackNew(h)
			return h, nil
		}
		s.useCount++
		p.mu.Lock()
		p.checkedOut[s.handle] = s
		p.mu.Unlock()
		return s.handle, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()

		// A handoff may have raced the cancellation; return it to the pool.
		select {
		case s, ok := <-w.ch:
			if ok && s != nil {
				p.returnSlot(s)
			} else if ok && s == nil {
				p.mu.Lock()
				p.numLive--
				p.mu.Unlock()
			}
		default:
		}

		if cause := context.Cause(ctx); errors.Is(cause, ErrAcquireTimeout) {
			return nil, ErrAcquireTimeout
		}
		return nil, ctx.Err()
	}
}

// Release returns a handle to the pool. If the handle fails its post-use
// health check it is destroyed; a replacement is created lazily on next
// demand rather than eagerly.
func (p *Pool) Release(ctx context.Context, h Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	s := p.checkedOut[h]
	delete(p.checkedOut, h)
	p.mu.Unlock()
	if s == nil {
		// Handle the pool never saw; adopt it.
		s = &slot{handle: h, createdAt: time.Now()}
	}

	if !h.Healthy(ctx) {
		p.logger.Debug("Destroying unhealthy pool handle",
			slog.Int("uses", s.useCount),
			slog.Duration("age", time.Since(s.createdAt)))
		_ = h.Close()
		p.mu.Lock()
		p.numLive--
		// Hand the vacancy to the oldest waiter so it can create a fresh
		// handle instead of waiting for another release.
		if elem := p.waiters.Front(); elem != nil {
			p.waiters.Remove(elem)
			p.numLive++
			elem.Value.(*waiter).ch <- nil
		}
		p.mu.Unlock()
		return
	}

	p.returnSlot(s)
}

// trackNew records a factory-fresh handle as checked out.
func (p *Pool) trackNew(h Handle) {
	p.mu.Lock()
	p.checkedOut[h] = &slot{handle: h, createdAt: time.Now(), useCount: 1}
	p.mu.Unlock()
}

// returnSlot hands a healthy slot to the oldest waiter or parks it idle.
func (p *Pool) returnSlot(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.numLive--
		_ = s.handle.Close()
		return
	}

	if elem := p.waiters.Front(); elem != nil {
		p.waiters.Remove(elem)
		elem.Value.(*waiter).ch <- s
		return
	}

	p.idle = append(p.idle, s)
}

// Close destroys all idle handles and fails pending Acquire calls with
// ErrClosed. Checked-out handles are destroyed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	idle := p.idle
	p.idle = nil
	p.numLive -= len(idle)

	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		close(elem.Value.(*waiter).ch)
	}
	p.waiters.Init()
	p.mu.Unlock()

	for _, s := range idle {
		_ = s.handle.Close()
	}
}

// Stats reports live and idle handle counts.
func (p *Pool) Stats() (live, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numLive, len(p.idle)
}

// Waiting reports how many callers are blocked in Acquire.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Len()
}
