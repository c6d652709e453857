package backend

import (
	"context"

	"budgetflow/internal/docstore"
	"budgetflow/internal/feed"
)

// Feed is a change feed transport that both delivers and accepts dataset
// snapshots.
type Feed interface {
	feed.Source
	feed.Announcer
}

// CleanupFunc releases resources held by a backend.
type CleanupFunc func() error

// Result holds the wired transports and the cleanup for all of them.
type Result struct {
	Feed      Feed
	Documents docstore.Backend
	// DocumentsDir is set for the local document store so the HTTP server
	// can serve the files it hands out.
	DocumentsDir string
	// SeedOnStart is true when the feed keeps no history of its own and
	// must be primed from the ledger at startup.
	SeedOnStart bool
	Cleanup     CleanupFunc
}

// Factory creates the transports described by a Config. seeder provides
// starting snapshots to bus transports that only carry changes.
type Factory interface {
	CreateBackend(ctx context.Context, config Config, seeder feed.Seeder) (*Result, error)
}

// FeedType selects the change feed transport.
type FeedType string

const (
	MemoryFeed FeedType = "memory"
	AMQPFeed   FeedType = "amqp"
	NATSFeed   FeedType = "nats"
	SheetsFeed FeedType = "sheets"
)

func (ft FeedType) String() string {
	return string(ft)
}

func (ft FeedType) IsValid() bool {
	switch ft {
	case MemoryFeed, AMQPFeed, NATSFeed, SheetsFeed:
		return true
	default:
		return false
	}
}
