package trace

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// Batcher batches up values from a channel. Batches are created whenever maxItems have been received or maxTimeout
// has elapsed since the last batch was created (whichever occurs first). What is buffered when the input channel
// closes is flushed before Run returns.
type Batcher[T any] struct {
	input      <-chan T
	maxItems   int
	maxTimeout time.Duration
	clock      clock.Clock
	callback   func([]T)
	buffer     []T
}

func NewBatcher[T any](input <-chan T, maxItems int, maxTimeout time.Duration, callback func([]T)) *Batcher[T] {
	return &Batcher[T]{
		input:      input,
		maxItems:   maxItems,
		maxTimeout: maxTimeout,
		callback:   callback,
		clock:      clock.RealClock{},
	}
}

func (b *Batcher[T]) Run(ctx context.Context) {
	for {
		b.buffer = []T{}
		expire := b.clock.After(b.maxTimeout)
		for appendToBatch := true; appendToBatch; {
			select {
			case <-ctx.Done():
				return
			case value, ok := <-b.input:
				if !ok {
					b.flush()
					return
				}
				b.buffer = append(b.buffer, value)
				if len(b.buffer) >= b.maxItems {
					b.flush()
					appendToBatch = false
				}
			case <-expire:
				b.flush()
				appendToBatch = false
			}
		}
	}
}

func (b *Batcher[T]) flush() {
	if len(b.buffer) > 0 {
		b.callback(b.buffer)
	}
}
