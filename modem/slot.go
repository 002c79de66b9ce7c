package modem

import "context"

// slot is the single-occupancy transaction slot. A buffered channel of
// capacity one gives blocking and non-blocking acquisition, and the runtime
// queues blocked senders in arrival order.
type slot struct {
	c chan struct{}
}

func newSlot() *slot {
	return &slot{c: make(chan struct{}, 1)}
}

// acquire blocks until the slot is free or ctx is done.
func (s *slot) acquire(ctx context.Context) error {
	select {
	case s.c <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryAcquire takes the slot only if it is free.
func (s *slot) tryAcquire() bool {
	select {
	case s.c <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *slot) release() {
	select {
	case <-s.c:
	default:
		panic("modem: release of a free transaction slot")
	}
}

// busy reports whether a command currently occupies the slot.
func (s *slot) busy() bool {
	return len(s.c) == 1
}
