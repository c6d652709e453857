// Package sheetsfeed treats one Google spreadsheet as the feed: each dataset
// is a tab named after its feed, one record per row. Subscribers poll the tab
// and receive a snapshot whenever its contents change.
package sheetsfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"budgetflow/internal/core"
	"budgetflow/internal/feed"
	"budgetflow/internal/log"
)

const DefaultPollInterval = 30 * time.Second

// Values reads and replaces whole tabs of a spreadsheet.
type Values interface {
	Read(ctx context.Context, sheet string) ([][]any, error)
	Replace(ctx context.Context, sheet string, rows [][]any) error
}

type Feed struct {
	values   Values
	names    feed.Names
	interval time.Duration
	logger   *log.Logger
}

type Option func(*Feed)

func WithLogger(l *log.Logger) Option {
	return func(f *Feed) {
		if l != nil {
			f.logger = l.WithComponent(log.ComponentSheets)
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.interval = d
		}
	}
}

func New(values Values, names feed.Names, opts ...Option) *Feed {
	f := &Feed{
		values:   values,
		names:    names,
		interval: DefaultPollInterval,
		logger:   log.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// PublishSnapshot rewrites the tab of ds with recs.
func (f *Feed) PublishSnapshot(ctx context.Context, ds core.Dataset, recs []core.Record) error {
	sheet, err := f.names.Of(ds)
	if err != nil {
		return err
	}
	rows, err := formatRows(recs)
	if err != nil {
		return err
	}
	if err := f.values.Replace(ctx, sheet, rows); err != nil {
		return fmt.Errorf("write sheet %s: %w", sheet, err)
	}
	f.logger.InfoContext(ctx, "Sheet rewritten", log.FieldFeed, sheet, log.FieldRecords, len(recs))
	return nil
}

// Subscribe reads the tab once before returning and delivers it to h, then
// polls until Unsubscribe. A failed first read is returned as an error.
func (f *Feed) Subscribe(ctx context.Context, ds core.Dataset, h feed.Handler) (feed.Subscription, error) {
	sheet, err := f.names.Of(ds)
	if err != nil {
		return nil, err
	}

	p := &poller{
		feed:    f,
		ds:      ds,
		sheet:   sheet,
		handler: h,
		logger:  f.logger.With(log.FieldFeed, sheet),
	}
	if err := p.poll(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", sheet, err)
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.run(pollCtx, f.interval)
	}()

	return feed.SubscriptionFunc(func() error {
		cancel()
		wg.Wait()
		return nil
	}), nil
}

type poller struct {
	feed    *Feed
	ds      core.Dataset
	sheet   string
	handler feed.Handler
	logger  *log.Logger

	last []byte
	down bool
}

func (p *poller) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("Sheet poll failed", log.FieldError, err)
			}
		}
	}
}

// poll reads the tab and emits a snapshot when it differs from the last one.
// A read failure emits Disconnected once; the next success emits Reconnected
// followed by a snapshot.
func (p *poller) poll(ctx context.Context) error {
	values, err := p.feed.values.Read(ctx, p.sheet)
	if err != nil {
		if p.last != nil && !p.down && ctx.Err() == nil {
			p.down = true
			p.handler(feed.Event{Dataset: p.ds, Kind: feed.Disconnected, Err: err})
		}
		return err
	}

	fingerprint, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("fingerprint sheet: %w", err)
	}

	if p.down {
		p.down = false
		p.handler(feed.Event{Dataset: p.ds, Kind: feed.Reconnected})
		p.last = nil
	}
	if p.last != nil && bytes.Equal(p.last, fingerprint) {
		return nil
	}

	recs, err := parseRows(values)
	if err != nil {
		return err
	}
	p.last = fingerprint
	p.handler(feed.Event{Dataset: p.ds, Kind: feed.Snapshot, Records: recs})
	return nil
}

var (
	_ feed.Source    = (*Feed)(nil)
	_ feed.Announcer = (*Feed)(nil)
)
