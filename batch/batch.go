// Package batch coalesces bursts of events into one delivery after a
// trailing idle window.
package batch

import (
	"sync"
	"time"
)

const (
	// FileEventWindow is the idle window for filesystem change batches.
	FileEventWindow = 250 * time.Millisecond
	// SelectionWindow is the idle window for editor selection updates.
	SelectionWindow = 100 * time.Millisecond
)

// debouncer runs fire once the window has passed without a new touch.
// A generation counter makes a timer that fired concurrently with a
// touch or stop a no-op.
type debouncer struct {
	mu     sync.Mutex
	window time.Duration
	timer  *time.Timer
	gen    uint64
}

func (d *debouncer) touch(fire func(gen uint64)) {
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, func() { fire(gen) })
}

func (d *debouncer) cancel() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Queue accumulates values and flushes them all together.
type Queue[T any] struct {
	d     debouncer
	items []T
	flush func([]T)
}

// NewQueue returns a Queue that hands every value recorded since the last
// flush to flush once window elapses with no new Record.
func NewQueue[T any](window time.Duration, flush func([]T)) *Queue[T] {
	return &Queue[T]{d: debouncer{window: window}, flush: flush}
}

// Record appends v and restarts the idle window.
func (q *Queue[T]) Record(v ...T) {
	if len(v) == 0 {
		return
	}
	q.d.mu.Lock()
	defer q.d.mu.Unlock()
	q.items = append(q.items, v...)
	q.d.touch(q.expire)
}

func (q *Queue[T]) expire(gen uint64) {
	q.d.mu.Lock()
	if gen != q.d.gen {
		q.d.mu.Unlock()
		return
	}
	items := q.take()
	q.d.mu.Unlock()
	if len(items) > 0 {
		q.flush(items)
	}
}

// Flush delivers the pending batch now, if there is one.
func (q *Queue[T]) Flush() {
	q.d.mu.Lock()
	q.d.cancel()
	items := q.take()
	q.d.mu.Unlock()
	if len(items) > 0 {
		q.flush(items)
	}
}

// Stop cancels the timer and drops anything pending.
func (q *Queue[T]) Stop() {
	q.d.mu.Lock()
	defer q.d.mu.Unlock()
	q.d.cancel()
	q.items = nil
}

// Len returns the number of values waiting to be flushed.
func (q *Queue[T]) Len() int {
	q.d.mu.Lock()
	defer q.d.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) take() []T {
	items := q.items
	q.items = nil
	q.d.timer = nil
	return items
}

// Latest keeps only the most recent value.
type Latest[T any] struct {
	d     debouncer
	value T
	set   bool
	flush func(T)
}

func NewLatest[T any](window time.Duration, flush func(T)) *Latest[T] {
	return &Latest[T]{d: debouncer{window: window}, flush: flush}
}

// Record replaces the pending value and restarts the idle window.
func (l *Latest[T]) Record(v T) {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	l.value, l.set = v, true
	l.d.touch(l.expire)
}

func (l *Latest[T]) expire(gen uint64) {
	l.d.mu.Lock()
	if gen != l.d.gen {
		l.d.mu.Unlock()
		return
	}
	v, ok := l.take()
	l.d.mu.Unlock()
	if ok {
		l.flush(v)
	}
}

func (l *Latest[T]) Flush() {
	l.d.mu.Lock()
	l.d.cancel()
	v, ok := l.take()
	l.d.mu.Unlock()
	if ok {
		l.flush(v)
	}
}

func (l *Latest[T]) Stop() {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	l.d.cancel()
	var zero T
	l.value, l.set = zero, false
}

func (l *Latest[T]) take() (T, bool) {
	v, ok := l.value, l.set
	var zero T
	l.value, l.set = zero, false
	l.d.timer = nil
	return v, ok
}
