package overlay

import (
	"context"
	"errors"
	"sync"
)

// ErrSubscriptionCancelled is returned by Subscription.Next after Cancel.
var ErrSubscriptionCancelled = errors.New("subscription cancelled")

// Subscription receives the messages of one topic. Messages arriving while the buffer is
// full are dropped for this subscription only.
type Subscription struct {
	topic string
	ch    chan *Message
	done  chan struct{}
	once  sync.Once
	node  *Node
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Next blocks until a message arrives, ctx is done or the subscription is cancelled.
func (s *Subscription) Next(ctx context.Context) (*Message, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSubscriptionCancelled
	}
}

// Cancel stops the subscription. The topic is left once its last subscription is gone.
func (s *Subscription) Cancel() {
	s.node.removeSubscription(s)
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// offer hands msg to the subscriber without blocking.
func (s *Subscription) offer(msg *Message) bool {
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}
