// Package memory is an in-process change feed. It backs the server when no
// message bus is configured and stands in for one in tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"budgetflow/internal/core"
	"budgetflow/internal/feed"
)

// Hub keeps the latest snapshot of each dataset and fans new ones out to
// subscribers synchronously. It is both a feed.Source and a feed.Announcer.
type Hub struct {
	mu     sync.Mutex
	latest map[core.Dataset][]core.Record
	down   map[core.Dataset]error
	subs   map[core.Dataset]map[uint64]*subscriber
	nextID uint64
}

type subscriber struct {
	mu      sync.Mutex
	closed  bool
	handler feed.Handler
}

func (s *subscriber) deliver(e feed.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.handler(e)
	}
}

func NewHub() *Hub {
	return &Hub{
		latest: map[core.Dataset][]core.Record{},
		down:   map[core.Dataset]error{},
		subs:   map[core.Dataset]map[uint64]*subscriber{},
	}
}

// Subscribe registers h for ds. If the hub already holds a snapshot of ds, h
// receives it before Subscribe returns; a dataset currently disconnected also
// reports that state.
func (h *Hub) Subscribe(ctx context.Context, ds core.Dataset, handler feed.Handler) (feed.Subscription, error) {
	if !ds.Valid() {
		return nil, fmt.Errorf("subscribe: %w: %q", core.ErrUnknownDataset, ds)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscriber{handler: handler}
	sub.mu.Lock()
	defer sub.mu.Unlock()

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[ds] == nil {
		h.subs[ds] = map[uint64]*subscriber{}
	}
	h.subs[ds][id] = sub
	recs, seeded := h.latest[ds]
	downErr, down := h.down[ds]
	h.mu.Unlock()

	if seeded {
		handler(feed.Event{Dataset: ds, Kind: feed.Snapshot, Records: recs})
	}
	if down {
		handler(feed.Event{Dataset: ds, Kind: feed.Disconnected, Err: downErr})
	}

	return feed.SubscriptionFunc(func() error {
		h.mu.Lock()
		delete(h.subs[ds], id)
		h.mu.Unlock()

		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
		return nil
	}), nil
}

// PublishSnapshot replaces ds and delivers it to every subscriber. recs is
// copied; the caller may reuse it afterwards.
func (h *Hub) PublishSnapshot(ctx context.Context, ds core.Dataset, recs []core.Record) error {
	if !ds.Valid() {
		return fmt.Errorf("publish snapshot: %w: %q", core.ErrUnknownDataset, ds)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := append([]core.Record{}, recs...)

	h.mu.Lock()
	h.latest[ds] = snapshot
	targets := h.targets(ds)
	h.mu.Unlock()

	for _, s := range targets {
		s.deliver(feed.Event{Dataset: ds, Kind: feed.Snapshot, Records: snapshot})
	}
	return nil
}

// Disconnect reports ds as lost to every subscriber until Reconnect.
func (h *Hub) Disconnect(ds core.Dataset, cause error) {
	if cause == nil {
		cause = fmt.Errorf("%s feed disconnected", ds)
	}
	h.mu.Lock()
	h.down[ds] = cause
	targets := h.targets(ds)
	h.mu.Unlock()

	for _, s := range targets {
		s.deliver(feed.Event{Dataset: ds, Kind: feed.Disconnected, Err: cause})
	}
}

// Reconnect clears a Disconnect and replays the latest snapshot, if any.
func (h *Hub) Reconnect(ds core.Dataset) {
	h.mu.Lock()
	_, wasDown := h.down[ds]
	delete(h.down, ds)
	recs, seeded := h.latest[ds]
	targets := h.targets(ds)
	h.mu.Unlock()

	if !wasDown {
		return
	}
	for _, s := range targets {
		s.deliver(feed.Event{Dataset: ds, Kind: feed.Reconnected})
		if seeded {
			s.deliver(feed.Event{Dataset: ds, Kind: feed.Snapshot, Records: recs})
		}
	}
}

// Subscribers returns the number of live subscriptions on ds.
func (h *Hub) Subscribers(ds core.Dataset) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[ds])
}

// targets must be called with h.mu held. Subscribers are returned in
// registration order.
func (h *Hub) targets(ds core.Dataset) []*subscriber {
	ids := make([]uint64, 0, len(h.subs[ds]))
	for id := range h.subs[ds] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*subscriber, len(ids))
	for i, id := range ids {
		out[i] = h.subs[ds][id]
	}
	return out
}

var (
	_ feed.Source    = (*Hub)(nil)
	_ feed.Announcer = (*Hub)(nil)
)
