package engine

import (
	"context"
	"sync"
	"time"
)

// enqueueResult resolves one buffered enqueue request.
type enqueueResult struct {
	msg *Message
	err error
}

type pendingEnqueue struct {
	req  EnqueueRequest
	done chan enqueueResult
}

// enqueueBuffer coalesces single enqueue requests for one queue into batch
// inserts. A flush triggers when the buffer reaches max size, when the wait
// timer fires, or on FlushAll. Only one flush is in flight per queue; a
// trigger during a flush reruns it afterwards.
type enqueueBuffer struct {
	queueName string
	engine    *Engine
	maxSize   int
	maxWait   time.Duration

	mu       sync.Mutex
	entries  []pendingEnqueue
	timer    *time.Timer
	inFlight bool
	rerun    bool
}

// EnqueueBuffered routes a single enqueue through the coalescing buffer and
// waits for its individual result. With buffering disabled it falls through
// to a direct insert.
func (e *Engine) EnqueueBuffered(ctx context.Context, req EnqueueRequest) (*Message, error) {
	if !e.opts.BufferEnabled {
		return e.Enqueue(ctx, req)
	}

	buf := e.bufferFor(req.Queue)
	done := buf.add(req)

	select {
	case res := <-done:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) bufferFor(queueName string) *enqueueBuffer {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf, ok := e.buffers[queueName]
	if !ok {
		buf = &enqueueBuffer{
			queueName: queueName,
			engine:    e,
			maxSize:   e.opts.BufferMaxSize,
			maxWait:   e.opts.BufferMaxWait,
		}
		e.buffers[queueName] = buf
	}
	return buf
}

// FlushAll synchronously flushes every queue buffer. Called on shutdown.
func (e *Engine) FlushAll(ctx context.Context) {
	e.mu.Lock()
	buffers := make([]*enqueueBuffer, 0, len(e.buffers))
	for _, buf := range e.buffers {
		buffers = append(buffers, buf)
	}
	e.mu.Unlock()

	for _, buf := range buffers {
		buf.flush(ctx)
	}
}

func (b *enqueueBuffer) add(req EnqueueRequest) <-chan enqueueResult {
	done := make(chan enqueueResult, 1)

	b.mu.Lock()
	b.entries = append(b.entries, pendingEnqueue{req: req, done: done})
	size := len(b.entries)
	if size == 1 {
		b.timer = time.AfterFunc(b.maxWait, func() {
			b.flush(context.Background())
		})
	}
	full := size >= b.maxSize
	b.mu.Unlock()

	if full {
		go b.flush(context.Background())
	}
	return done
}

func (b *enqueueBuffer) flush(ctx context.Context) {
	b.mu.Lock()
	if b.inFlight {
		// A flush is running; rerun once it finishes so these entries are
		// not stranded.
		b.rerun = true
		b.mu.Unlock()
		return
	}
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return
	}
	b.inFlight = true
	batch := b.entries
	b.entries = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	b.insertGroups(ctx, batch)

	b.mu.Lock()
	b.inFlight = false
	rerun := b.rerun || len(b.entries) > 0
	b.rerun = false
	b.mu.Unlock()

	if rerun {
		b.flush(ctx)
	}
}

// insertGroups groups the batch by priority, issues one batch insert per
// group, and resolves every request with its individual result in input
// order. A failed group rejects all of its requests.
func (b *enqueueBuffer) insertGroups(ctx context.Context, batch []pendingEnqueue) {
	byPriority := make(map[int][]pendingEnqueue)
	order := make([]int, 0, 4)
	for _, p := range batch {
		priority := p.req.Priority
		if _, seen := byPriority[priority]; !seen {
			order = append(order, priority)
		}
		byPriority[priority] = append(byPriority[priority], p)
	}

	for _, priority := range order {
		group := byPriority[priority]
		reqs := make([]EnqueueRequest, len(group))
		for i, p := range group {
			reqs[i] = p.req
		}

		msgs, err := b.engine.EnqueueBatch(ctx, b.queueName, priority, reqs)
		for i, p := range group {
			if err != nil {
				p.done <- enqueueResult{err: err}
				continue
			}
			p.done <- enqueueResult{msg: msgs[i]}
		}
	}
}
