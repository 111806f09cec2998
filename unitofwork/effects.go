package unitofwork

import "context"

// Effect is a non-transactional modification: a side effect such as a
// message publish or an external call that may only run once every database
// commit of the unit of work has succeeded.
type Effect func(ctx context.Context) error

// EffectQueue holds deferred effects in FIFO order. Effects may enqueue
// further effects while the queue drains; those run in the same pass.
type EffectQueue struct {
	effects []Effect
}

// Add appends fn.
func (q *EffectQueue) Add(fn Effect) {
	q.effects = append(q.effects, fn)
}

// Len returns the number of queued effects.
func (q *EffectQueue) Len() int {
	return len(q.effects)
}

// Truncate drops every effect queued after the first n.
func (q *EffectQueue) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n >= len(q.effects) {
		return
	}
	clear(q.effects[n:])
	q.effects = q.effects[:n]
}

// Drain runs the queued effects in order and stops at the first failure.
// The queue is empty afterwards whatever the outcome, so a failed effect is
// never run again by a later drain.
func (q *EffectQueue) Drain(ctx context.Context) (ran int, err error) {
	defer func() { q.effects = nil }()

	// Index loop: effects appended by a running effect extend len(q.effects).
	for i := 0; i < len(q.effects); i++ {
		if err := q.effects[i](ctx); err != nil {
			return i, err
		}
	}
	return len(q.effects), nil
}
