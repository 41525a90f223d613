package push

import (
	"context"
	"fmt"
	"time"

	"concierge-intercom/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AppStateHeader is the AMQP header carrying the app state of a relayed push.
const AppStateHeader = "x-app-state"

// ConsumerConfig describes the push relay queue.
type ConsumerConfig struct {
	URL        string
	Exchange   string
	Queue      string
	BindingKey string
	Prefetch   int

	ReconnectBase time.Duration
	ReconnectCap  time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Exchange == "" {
		c.Exchange = "intercom.push"
	}
	if c.Queue == "" {
		c.Queue = "intercom.push.device"
	}
	if c.BindingKey == "" {
		c.BindingKey = "push.#"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 8
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	return c
}

// Consumer feeds relayed push payloads from RabbitMQ into an Ingestor. It
// reconnects with backoff until its context is cancelled.
type Consumer struct {
	cfg      ConsumerConfig
	ingestor *Ingestor
	log      *logger.Logger
}

func NewConsumer(cfg ConsumerConfig, ingestor *Ingestor, log *logger.Logger) *Consumer {
	return &Consumer{cfg: cfg.withDefaults(), ingestor: ingestor, log: logger.OrNop(log)}
}

// Run blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectBase
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Logger.Error("push consumer stopped, reconnecting",
			zap.Error(err),
			zap.Duration("retry_in", backoff),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff*2 < c.cfg.ReconnectCap {
			backoff *= 2
		} else {
			backoff = c.cfg.ReconnectCap
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.BindingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	c.log.Logger.Info("push consumer started", zap.String("queue", c.cfg.Queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case aerr := <-closed:
			if aerr == nil {
				return fmt.Errorf("channel closed")
			}
			return aerr
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if c.handle(ctx, d.Body, d.Headers) {
				_ = d.Nack(false, true)
			} else {
				_ = d.Ack(false)
			}
		}
	}
}

// handle ingests one delivery and reports whether it should be requeued.
// Only a coordinator that never became ready warrants redelivery.
func (c *Consumer) handle(ctx context.Context, body []byte, headers amqp.Table) bool {
	state := AppStateBackground
	if v, ok := headers[AppStateHeader].(string); ok {
		state = ParseAppState(v)
	}
	res := c.ingestor.Ingest(ctx, body, state)
	return res.Outcome == OutcomeNotReady
}
