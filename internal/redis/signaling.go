package redis

import (
	"context"
	"fmt"

	"concierge-intercom/internal/signal"
	"concierge-intercom/pkg/logger"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SignalingChannel routes intercom signals over Redis pub/sub. Topics are
// Redis channel names such as channel:user:<id>.
type SignalingChannel struct {
	publisher  *Publisher
	subscriber *Subscriber
	log        *logger.Logger
}

func NewSignalingChannel(client *goredis.Client, log *logger.Logger) *SignalingChannel {
	return &SignalingChannel{
		publisher:  NewPublisher(client),
		subscriber: NewSubscriber(client),
		log:        logger.OrNop(log),
	}
}

// Publish encodes sig and sends it on topic. Nobody listening is not an
// error; the no-answer timer covers an absent peer.
func (s *SignalingChannel) Publish(ctx context.Context, topic string, sig signal.Signal) error {
	data, err := signal.Encode(sig)
	if err != nil {
		return err
	}
	receivers, err := s.publisher.Publish(ctx, topic, data)
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", sig.Type, topic, err)
	}
	s.log.Logger.Debug("signal published",
		zap.String("topic", topic),
		zap.String("type", string(sig.Type)),
		zap.String("call_id", sig.CallID),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// Subscribe delivers every decodable signal on topics to handler. Malformed
// messages are logged and dropped. The returned func unsubscribes and must
// not be called from inside handler.
func (s *SignalingChannel) Subscribe(ctx context.Context, topics []string, handler func(signal.Signal)) (func(), error) {
	sub, err := s.subscriber.Subscribe(ctx, topics, func(channel string, payload []byte) {
		sig, err := signal.Decode(payload)
		if err != nil {
			s.log.Logger.Debug("dropping malformed signal",
				zap.String("topic", channel),
				zap.Int("bytes", len(payload)),
				zap.Error(err),
			)
			return
		}
		handler(sig)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Close() }, nil
}
