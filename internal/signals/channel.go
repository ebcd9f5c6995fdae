package signals

import (
	"context"
	"sync"
)

// ChannelQueue is an in-process Queue. Publishing never blocks; Ready is
// signalled whenever a topic receives work.
type ChannelQueue struct {
	mu      sync.Mutex
	pending map[Topic][]Signal
	ready   chan struct{}
}

var _ Queue = (*ChannelQueue)(nil)

func NewChannelQueue() *ChannelQueue {
	return &ChannelQueue{
		pending: map[Topic][]Signal{},
		ready:   make(chan struct{}, 1),
	}
}

func (q *ChannelQueue) Publish(ctx context.Context, sigs ...Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(sigs) == 0 {
		return nil
	}
	q.mu.Lock()
	for _, sig := range sigs {
		topic := sig.Kind.Topic()
		q.pending[topic] = append(q.pending[topic], sig)
	}
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *ChannelQueue) Consume(ctx context.Context, topic Topic, limit int) ([]Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.pending[topic]
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	out := append([]Signal(nil), items[:limit]...)
	q.pending[topic] = items[limit:]
	return out, nil
}

// Ready fires after a publish; consumers may select on it instead of polling.
func (q *ChannelQueue) Ready() <-chan struct{} { return q.ready }

// Len reports the number of pending signals for topic.
func (q *ChannelQueue) Len(topic Topic) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[topic])
}
