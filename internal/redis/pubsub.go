package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish sends payload on channel and returns how many subscribers got it.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return p.client.Publish(ctx, channel, payload).Result()
}

type Subscriber struct {
	client *redis.Client
}

func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscription is one live set of channel subscriptions.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// Subscribe joins channels and waits for the server to confirm before
// returning, so a nil error means messages published afterwards are
// delivered. handler runs on a single goroutine in arrival order.
func (s *Subscriber) Subscribe(ctx context.Context, channels []string, handler func(channel string, payload []byte)) (*Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	msgs := pubsub.Channel()
	go func() {
		defer close(sub.done)
		for msg := range msgs {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()
	return sub, nil
}

// Close unsubscribes and waits for the delivery goroutine to exit. Safe to
// call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}
