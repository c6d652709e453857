// Package natsfeed carries dataset snapshots over NATS subjects named
// <prefix>.<feed name>.
package natsfeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"budgetflow/internal/core"
	"budgetflow/internal/feed"
	"budgetflow/internal/log"

	"github.com/nats-io/nats.go"
)

const seedTimeout = 10 * time.Second

// Feed is a feed.Source and feed.Announcer on one NATS connection. Connection
// loss and recovery are reported to every live subscription.
type Feed struct {
	conn   *nats.Conn
	prefix string
	names  feed.Names
	seeder feed.Seeder
	logger *log.Logger

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
}

type Option func(*Feed)

func WithLogger(l *log.Logger) Option {
	return func(f *Feed) {
		if l != nil {
			f.logger = l.WithComponent(log.ComponentNATS)
		}
	}
}

func WithSeeder(s feed.Seeder) Option {
	return func(f *Feed) { f.seeder = s }
}

// Connect dials url with unlimited reconnects. Extra nats options are
// appended after the defaults.
func Connect(url, prefix string, names feed.Names, opts []Option, natsOpts ...nats.Option) (*Feed, error) {
	f := &Feed{
		prefix: prefix,
		names:  names,
		logger: log.Discard(),
		subs:   map[uint64]*subscription{},
	}
	for _, opt := range opts {
		opt(f)
	}

	defaults := []nats.Option{
		nats.Name("budgetflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { f.disconnected(err) }),
		nats.ReconnectHandler(func(_ *nats.Conn) { f.reconnected() }),
	}
	nc, err := nats.Connect(url, append(defaults, natsOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	f.conn = nc
	return f, nil
}

// Subject returns the subject carrying ds.
func (f *Feed) Subject(ds core.Dataset) (string, error) {
	name, err := f.names.Of(ds)
	if err != nil {
		return "", err
	}
	return f.prefix + "." + name, nil
}

func (f *Feed) PublishSnapshot(ctx context.Context, ds core.Dataset, recs []core.Record) error {
	subject, err := f.Subject(ds)
	if err != nil {
		return err
	}
	name, _ := f.names.Of(ds)
	body, err := feed.EncodeSnapshot(name, recs)
	if err != nil {
		return err
	}
	if err := f.conn.Publish(subject, body); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	if err := f.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flushing %s: %w", subject, err)
	}
	f.logger.DebugContext(ctx, "Published snapshot", "subject", subject, log.FieldRecords, len(recs))
	return nil
}

// Subscribe registers h for ds. The seeder's snapshot reaches h before any
// bus message; handler calls never overlap.
func (f *Feed) Subscribe(ctx context.Context, ds core.Dataset, h feed.Handler) (feed.Subscription, error) {
	subject, err := f.Subject(ds)
	if err != nil {
		return nil, err
	}
	name, _ := f.names.Of(ds)

	s := &subscription{ds: ds, name: name, handler: h, logger: f.logger.With("subject", subject)}
	s.mu.Lock()
	defer s.mu.Unlock()

	natsSub, err := f.conn.Subscribe(subject, func(msg *nats.Msg) { s.receive(msg.Data) })
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	// Flush ensures the subscription is registered on the server before
	// seeding, so that nothing published afterwards is missed.
	if err := f.conn.FlushWithContext(ctx); err != nil {
		_ = natsSub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}
	if err := feed.Seed(ctx, f.seeder, ds, h); err != nil {
		_ = natsSub.Unsubscribe()
		return nil, err
	}

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs[id] = s
	f.mu.Unlock()

	return feed.SubscriptionFunc(func() error {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()

		err := natsSub.Unsubscribe()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if err != nil && err != nats.ErrConnectionClosed {
			return fmt.Errorf("unsubscribing from %s: %w", subject, err)
		}
		return nil
	}), nil
}

func (f *Feed) live() []*subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*subscription, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s)
	}
	return out
}

func (f *Feed) disconnected(err error) {
	if err == nil {
		err = nats.ErrDisconnected
	}
	f.logger.Warn("NATS disconnected", log.FieldError, err)
	for _, s := range f.live() {
		s.emit(feed.Event{Dataset: s.ds, Kind: feed.Disconnected, Err: err})
	}
}

func (f *Feed) reconnected() {
	f.logger.Info("NATS reconnected", "url", f.conn.ConnectedUrl())
	for _, s := range f.live() {
		s.emit(feed.Event{Dataset: s.ds, Kind: feed.Reconnected})
		if f.seeder == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), seedTimeout)
		recs, err := f.seeder.Snapshot(ctx, s.ds)
		cancel()
		if err != nil {
			f.logger.Error("Failed to reseed subscription", log.FieldDataset, s.ds, log.FieldError, err)
			continue
		}
		s.emit(feed.Event{Dataset: s.ds, Kind: feed.Snapshot, Records: recs})
	}
}

func (f *Feed) Close() error {
	f.conn.Close()
	return nil
}

type subscription struct {
	ds      core.Dataset
	name    string
	handler feed.Handler
	logger  *log.Logger

	mu     sync.Mutex
	closed bool
}

func (s *subscription) emit(e feed.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.handler(e)
	}
}

func (s *subscription) receive(body []byte) {
	name, recs, err := feed.DecodeSnapshot(body)
	if err != nil {
		s.logger.Error("Failed to decode snapshot message", log.FieldOperation, log.OpDecode, log.FieldError, err)
		return
	}
	if name != s.name {
		s.logger.Warn("Dropping snapshot for another feed", "message_feed", name)
		return
	}
	s.emit(feed.Event{Dataset: s.ds, Kind: feed.Snapshot, Records: recs})
}

var (
	_ feed.Source    = (*Feed)(nil)
	_ feed.Announcer = (*Feed)(nil)
)
