package amqpfeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"budgetflow/internal/core"
	"budgetflow/internal/feed"
	"budgetflow/internal/log"

	"github.com/rabbitmq/amqp091-go"
)

const seedTimeout = 10 * time.Second

var errConsumerClosed = errors.New("AMQP consumer closed")

// binding is one subscriber's channel and exclusive queue.
type binding struct {
	ch         *amqp091.Channel
	deliveries <-chan amqp091.Delivery
	closed     chan *amqp091.Error
}

// Subscribe binds an exclusive auto-delete queue to ds's routing key. The
// seeder's snapshot, if any, reaches h before Subscribe returns; messages
// after that arrive on a goroutine owned by the subscription. h must not
// call Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, ds core.Dataset, h feed.Handler) (feed.Subscription, error) {
	name, err := c.names.Of(ds)
	if err != nil {
		return nil, err
	}
	b, err := c.bind(name)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	// Bound before seeding, so nothing published in between is lost.
	if err := feed.Seed(ctx, c.seeder, ds, h); err != nil {
		b.ch.Close()
		return nil, err
	}

	s := &subscription{
		client:  c,
		ds:      ds,
		name:    name,
		handler: h,
		logger:  c.logger.With(log.FieldFeed, name),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run(b)

	c.logger.InfoContext(ctx, "Subscribed to feed", log.FieldFeed, name, log.FieldDataset, ds)
	return feed.SubscriptionFunc(s.close), nil
}

func (c *Client) bind(routingKey string) (*binding, error) {
	ch, err := c.openChannel()
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		"",    // name, server generated
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, c.exchangeName, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		true,   // auto-ack, snapshots supersede each other
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("start consuming: %w", err)
	}

	return &binding{
		ch:         ch,
		deliveries: deliveries,
		closed:     ch.NotifyClose(make(chan *amqp091.Error, 1)),
	}, nil
}

type subscription struct {
	client  *Client
	ds      core.Dataset
	name    string
	handler feed.Handler
	logger  *log.Logger

	stop chan struct{}
	done chan struct{}
}

func (s *subscription) close() error {
	close(s.stop)
	<-s.done
	return nil
}

func (s *subscription) run(b *binding) {
	defer close(s.done)
	for {
		cause := s.consume(b)
		b.ch.Close()
		if cause == nil {
			return
		}

		s.logger.Warn("Feed disconnected", log.FieldError, cause)
		s.handler(feed.Event{Dataset: s.ds, Kind: feed.Disconnected, Err: cause})

		b = s.rebind()
		if b == nil {
			return
		}
		s.logger.Info("Feed reconnected")
		s.handler(feed.Event{Dataset: s.ds, Kind: feed.Reconnected})

		ctx, cancel := context.WithTimeout(context.Background(), seedTimeout)
		if err := feed.Seed(ctx, s.client.seeder, s.ds, s.handler); err != nil {
			s.logger.Error("Failed to reseed feed", log.FieldError, err)
		}
		cancel()
	}
}

// consume delivers messages until the subscription stops (nil) or the
// channel goes away (the cause).
func (s *subscription) consume(b *binding) error {
	for {
		select {
		case <-s.stop:
			return nil
		case delivery, ok := <-b.deliveries:
			if !ok {
				select {
				case amqpErr := <-b.closed:
					if amqpErr != nil {
						return amqpErr
					}
				default:
				}
				return errConsumerClosed
			}
			s.deliver(delivery.Body)
		}
	}
}

func (s *subscription) deliver(body []byte) {
	name, recs, err := feed.DecodeSnapshot(body)
	if err != nil {
		s.logger.Error("Failed to decode snapshot message", log.FieldOperation, log.OpDecode, log.FieldError, err)
		return
	}
	if name != s.name {
		s.logger.Warn("Dropping snapshot for another feed", "message_feed", name)
		return
	}
	s.handler(feed.Event{Dataset: s.ds, Kind: feed.Snapshot, Records: recs})
}

// rebind retries bind with exponential backoff until it succeeds or the
// subscription stops.
func (s *subscription) rebind() *binding {
	for attempt := 0; ; attempt++ {
		wait := exponentialBackoff(attempt)
		timer := time.NewTimer(wait)
		select {
		case <-s.stop:
			timer.Stop()
			return nil
		case <-timer.C:
		}

		b, err := s.client.bind(s.name)
		if err == nil {
			return b
		}
		s.logger.Warn("Reconnect attempt failed", "attempt", attempt+1, "next_in", exponentialBackoff(attempt+1), log.FieldError, err)
	}
}

var _ feed.Source = (*Client)(nil)
