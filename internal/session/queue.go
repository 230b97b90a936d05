package session

import "sync/atomic"

// dropQueue is a bounded hand-off queue that sheds the oldest element when
// full, so a stalled consumer slows quality instead of blocking capture.
type dropQueue[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

func newDropQueue[T any](capacity int) *dropQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &dropQueue[T]{ch: make(chan T, capacity)}
}

// push enqueues v, evicting the oldest queued element if there is no room.
// Returns the number of elements dropped to make space. Only the producer
// goroutine may call push.
func (q *dropQueue[T]) push(v T) int {
	var n int
	for {
		select {
		case q.ch <- v:
			q.dropped.Add(int64(n))
			return n
		default:
		}
		select {
		case <-q.ch:
			n++
		default:
		}
	}
}

// out is the consumer side. It is closed by close.
func (q *dropQueue[T]) out() <-chan T { return q.ch }

// len reports the current backlog.
func (q *dropQueue[T]) len() int { return len(q.ch) }

// droppedTotal reports how many elements were shed since creation.
func (q *dropQueue[T]) droppedTotal() int64 { return q.dropped.Load() }

// close ends the stream. Only the producer goroutine may call it, after the
// last push.
func (q *dropQueue[T]) close() { close(q.ch) }
