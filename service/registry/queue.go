package registry

import (
	"context"
	"sync"

	"github.com/assetvault/go-assetvault/service/persist"
)

// SubmitQueue serializes submissions per signing account in arrival order.
// The contract nonce read inside a queued fn stays valid until its submission
// lands, because no other fn for the same account can interleave.
type SubmitQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewSubmitQueue returns an empty queue.
func NewSubmitQueue() *SubmitQueue {
	return &SubmitQueue{tails: map[string]chan struct{}{}}
}

// Do runs fn once every previously queued fn for the same account has
// finished. Distinct accounts never block each other.
func (q *SubmitQueue) Do(ctx context.Context, account persist.EthereumAddress, fn func(ctx context.Context) error) error {
	key := account.String()

	q.mu.Lock()
	prev := q.tails[key]
	turn := make(chan struct{})
	q.tails[key] = turn
	q.mu.Unlock()

	defer func() {
		close(turn)
		q.mu.Lock()
		if q.tails[key] == turn {
			delete(q.tails, key)
		}
		q.mu.Unlock()
	}()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fn(ctx)
}
