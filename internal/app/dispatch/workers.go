package dispatch

import (
	"context"
	"sync"

	"github.com/dkeye/Jingle/internal/domain"
	"github.com/sourcegraph/conc/pool"
)

type task func(context.Context)

// workers runs establishment tasks off the stanza read loop. Submission never
// blocks: a full queue is reported as backpressure.
type workers struct {
	pool  *pool.ContextPool
	queue chan task
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newWorkers(ctx context.Context, size, queue int) *workers {
	if size <= 0 {
		size = 16
	}
	if queue <= 0 {
		queue = size * 4
	}
	w := &workers{
		pool:  pool.New().WithContext(ctx).WithMaxGoroutines(size),
		queue: make(chan task, queue),
		done:  make(chan struct{}),
	}
	go w.feed()
	return w
}

func (w *workers) feed() {
	defer close(w.done)
	for t := range w.queue {
		t := t
		w.pool.Go(func(ctx context.Context) error {
			t(ctx)
			return nil
		})
	}
}

func (w *workers) submit(t task) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return domain.ErrSessionClosed
	}
	select {
	case w.queue <- t:
		return nil
	default:
		return domain.ErrBackpressure
	}
}

// close stops accepting tasks and waits for the running ones.
func (w *workers) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
	_ = w.pool.Wait()
}
