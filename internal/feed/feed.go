// Package feed defines the change feed the publisher consumes: named datasets
// delivered as full snapshots, plus connection state changes.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"budgetflow/internal/core"
)

// Kind tells what an Event carries.
type Kind uint8

const (
	// Snapshot replaces the dataset wholesale with Event.Records.
	Snapshot Kind = iota + 1
	// Disconnected reports that the transport lost its source. Records is nil
	// and Err says why.
	Disconnected
	// Reconnected reports that the transport is live again. A Snapshot
	// usually follows.
	Reconnected
)

func (k Kind) String() string {
	switch k {
	case Snapshot:
		return "snapshot"
	case Disconnected:
		return "disconnected"
	case Reconnected:
		return "reconnected"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type Event struct {
	Dataset core.Dataset
	Kind    Kind
	Records []core.Record
	Err     error
}

// Handler receives events for one dataset. Adapters call it from their own
// goroutine, one event at a time per subscription.
type Handler func(Event)

// Subscription is a live registration with a Source. Unsubscribe stops
// delivery before returning and is safe to call more than once.
type Subscription interface {
	Unsubscribe() error
}

// Source delivers snapshots of a dataset to a handler.
type Source interface {
	Subscribe(ctx context.Context, ds core.Dataset, h Handler) (Subscription, error)
}

// Announcer publishes a new full snapshot of a dataset to every subscriber.
type Announcer interface {
	PublishSnapshot(ctx context.Context, ds core.Dataset, recs []core.Record) error
}

// Seeder provides the current contents of a dataset. Bus transports only see
// changes, so they call a Seeder to give new subscribers a starting snapshot.
type Seeder interface {
	Snapshot(ctx context.Context, ds core.Dataset) ([]core.Record, error)
}

// Status is the connection state of one dataset as seen by a consumer.
type Status string

const (
	StatusPending      Status = "pending"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

var ErrClosed = errors.New("feed closed")

// Names maps datasets to the collection names used on the wire.
type Names struct {
	Primary   string
	Secondary string
}

// DefaultNames are the feed names used by existing dashboards.
var DefaultNames = Names{Primary: "budgetFlows", Secondary: "budgetFlows2"}

// Of returns the wire name of ds.
func (n Names) Of(ds core.Dataset) (string, error) {
	switch ds {
	case core.Primary:
		return n.Primary, nil
	case core.Secondary:
		return n.Secondary, nil
	default:
		return "", fmt.Errorf("%w: %q", core.ErrUnknownDataset, ds)
	}
}

// Dataset resolves a wire name back to its dataset.
func (n Names) Dataset(name string) (core.Dataset, error) {
	switch name {
	case n.Primary:
		return core.Primary, nil
	case n.Secondary:
		return core.Secondary, nil
	default:
		return "", fmt.Errorf("%w: feed %q", core.ErrUnknownDataset, name)
	}
}

// SubscriptionFunc adapts a stop function into an idempotent Subscription.
func SubscriptionFunc(stop func() error) Subscription {
	return &onceSubscription{stop: stop}
}

type onceSubscription struct {
	once sync.Once
	stop func() error
	err  error
}

func (s *onceSubscription) Unsubscribe() error {
	s.once.Do(func() {
		if s.stop != nil {
			s.err = s.stop()
		}
	})
	return s.err
}

// Seed delivers the seeder's snapshot of ds to h. A nil seeder is a no-op.
func Seed(ctx context.Context, seeder Seeder, ds core.Dataset, h Handler) error {
	if seeder == nil {
		return nil
	}
	recs, err := seeder.Snapshot(ctx, ds)
	if err != nil {
		return fmt.Errorf("seed %s: %w", ds, err)
	}
	h(Event{Dataset: ds, Kind: Snapshot, Records: recs})
	return nil
}
