// Package ring provides the bounded lock-free queue that carries fixed-size
// records between the control goroutine and the audio callback.
//
// Each direction uses one Ring with exactly one producer and one consumer.
// A record becomes visible to the reader only after the producer's release
// store on the slot sequence; the reader observes it with an acquire load.
// Neither TryPush nor TryPop allocate, lock or block, so both are safe to
// call from the audio callback.
package ring

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Push when its context is done before space frees.
var ErrClosed = errors.New("ring: push canceled")

type slot[T any] struct {
	seq atomic.Uint64
	val T
}

// Ring is a fixed-capacity single-producer/single-consumer queue of T.
// PushOverwrite additionally lets the producer discard the oldest unread
// record; the dequeue side therefore claims slots with a CAS on head.
type Ring[T any] struct {
	_     [64]byte
	head  atomic.Uint64 // next slot to read
	_     [56]byte
	tail  atomic.Uint64 // next slot to write (producer-owned)
	_     [56]byte
	mask  uint64
	slots []slot[T]

	dropped atomic.Uint64
	blocked atomic.Uint64
}

// New creates a ring holding at least capacity records. The capacity is
// rounded up to a power of two (minimum 2).
func New[T any](capacity int) *Ring[T] {
	n := uint64(2)
	for n < uint64(capacity) {
		n <<= 1
	}
	r := &Ring[T]{mask: n - 1, slots: make([]slot[T], n)}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// Cap returns the number of records the ring can hold.
func (r *Ring[T]) Cap() int { return len(r.slots) }

// Len returns an approximate count of unread records.
func (r *Ring[T]) Len() int {
	t := r.tail.Load()
	h := r.head.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}

// Dropped returns how many records were discarded by PushOverwrite or by a
// failed TryPushCounted.
func (r *Ring[T]) Dropped() uint64 { return r.dropped.Load() }

// Blocked returns how many times Push had to wait for space.
func (r *Ring[T]) Blocked() uint64 { return r.blocked.Load() }

// TryPush appends v if there is room and reports whether it did.
func (r *Ring[T]) TryPush(v T) bool {
	pos := r.tail.Load()
	s := &r.slots[pos&r.mask]
	if s.seq.Load() != pos {
		return false
	}
	s.val = v
	s.seq.Store(pos + 1)
	r.tail.Store(pos + 1)
	return true
}

// TryPushCounted is TryPush that counts a rejected record as dropped.
func (r *Ring[T]) TryPushCounted(v T) bool {
	if r.TryPush(v) {
		return true
	}
	r.dropped.Add(1)
	return false
}

// TryPop removes the oldest record.
func (r *Ring[T]) TryPop() (T, bool) {
	for {
		pos := r.head.Load()
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()
		switch dif := int64(seq) - int64(pos+1); {
		case dif == 0:
			if !r.head.CompareAndSwap(pos, pos+1) {
				continue
			}
			v := s.val
			var zero T
			s.val = zero
			s.seq.Store(pos + r.mask + 1)
			return v, true
		case dif < 0:
			var zero T
			return zero, false
		}
		// another consumer claimed pos; reload head
	}
}

// PushOverwrite appends v, discarding the oldest unread record when the
// ring is full. It reports whether anything was discarded. If a concurrent
// reader holds the oldest slot, v itself is dropped instead.
func (r *Ring[T]) PushOverwrite(v T) bool {
	if r.TryPush(v) {
		return false
	}
	if _, ok := r.TryPop(); ok {
		r.dropped.Add(1)
		if r.TryPush(v) {
			return true
		}
	}
	r.dropped.Add(1)
	return true
}

// Push appends v, waiting for space while the ring is full. It must only be
// used by a producer that is allowed to block (the control side).
func (r *Ring[T]) Push(ctx context.Context, v T) error {
	if r.TryPush(v) {
		return nil
	}
	r.blocked.Add(1)
	backoff := 50 * time.Microsecond
	for spins := 0; ; spins++ {
		if r.TryPush(v) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(ErrClosed, err)
		}
		if spins < 16 {
			runtime.Gosched()
			continue
		}
		time.Sleep(backoff)
		if backoff < 2*time.Millisecond {
			backoff *= 2
		}
	}
}
