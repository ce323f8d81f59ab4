package lib

import "github.com/sirupsen/logrus"

// RingBuffer is a fixed-capacity FIFO. Overflow and underflow are
// programming errors, not runtime conditions.
type RingBuffer[T any] struct {
	Elements []T
	Head     int64
	Tail     int64
	Size     int64
	N        int64
}

func (r *RingBuffer[T]) Init(n int64) {
	r.Head = 0
	r.Tail = 0
	r.Size = 0
	r.N = n
	r.Elements = make([]T, n)
}

func (r *RingBuffer[T]) Front() *T {
	if r.Size == 0 {
		logrus.Panic("ringbuffer front on empty buffer")
	}
	return &r.Elements[r.Tail]
}

func (r *RingBuffer[T]) Item(i int64) *T {
	if i >= r.Size {
		logrus.Panic("ringbuffer item out of range")
	}
	return &r.Elements[(r.Tail+i)%r.N]
}

func (r *RingBuffer[T]) Pop() {
	if r.Size == 0 {
		logrus.Panic("ringbuffer pop on empty buffer")
	}
	r.Tail = (r.Tail + 1) % r.N
	r.Size--
}

func (r *RingBuffer[T]) Push(t T) {
	if r.Size == r.N {
		logrus.Panic("ringbuffer push on full buffer")
	}
	r.Elements[r.Head] = t
	r.Head = (r.Head + 1) % r.N
	r.Size++
}

func (r *RingBuffer[T]) Empty() bool {
	return r.Size == 0
}
