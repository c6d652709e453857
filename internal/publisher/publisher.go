// Package publisher owns the feed subscriptions and the current search query,
// and turns every change into a freshly aggregated view bundle.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"budgetflow/internal/aggregate"
	"budgetflow/internal/cache"
	"budgetflow/internal/core"
	"budgetflow/internal/feed"
	"budgetflow/internal/log"
	"budgetflow/internal/records"
	"budgetflow/internal/search"
)

// Observer receives every published bundle. It runs inside the publisher's
// critical section: it must not block for long and must not call back into
// the Publisher. Bundles are shared between observers and must be treated as
// read-only.
type Observer func(core.ViewBundle)

// StatusObserver is told when a dataset's connection state changes.
type StatusObserver func(ds core.Dataset, status feed.Status, err error)

var (
	ErrClosed         = errors.New("publisher closed")
	ErrAlreadyStarted = errors.New("publisher already started")
)

type memoKey struct {
	primary   uint64
	secondary uint64
	query     string
}

// Publisher serializes feed events and query changes through one mutex, so
// each bundle reflects exactly one (primary, secondary, query) state.
type Publisher struct {
	src    feed.Source
	agg    *aggregate.Aggregator
	logger *log.Logger
	events *log.StructuredLogger
	memo   *cache.LRU[memoKey, core.ViewBundle]

	mu        sync.Mutex
	store     *records.Store
	query     string
	current   core.ViewBundle
	seq       uint64
	status    map[core.Dataset]feed.Status
	lastErr   map[core.Dataset]error
	observers observerSet[Observer]
	watchers  observerSet[StatusObserver]
	subs      []feed.Subscription
	started   bool
	closed    bool
}

type Option func(*Publisher)

func WithAggregator(a *aggregate.Aggregator) Option {
	return func(p *Publisher) {
		if a != nil {
			p.agg = a
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l.WithComponent(log.ComponentPublisher)
		}
	}
}

// WithCacheSize bounds the number of memoized bundles.
func WithCacheSize(n int) Option {
	return func(p *Publisher) {
		p.memo = cache.NewLRU[memoKey, core.ViewBundle](n)
	}
}

func New(src feed.Source, opts ...Option) *Publisher {
	p := &Publisher{
		src:     src,
		agg:     aggregate.New(),
		logger:  log.Discard(),
		memo:    cache.NewLRU[memoKey, core.ViewBundle](64),
		store:   records.New(),
		current: core.EmptyBundle(),
		status:  map[core.Dataset]feed.Status{},
		lastErr: map[core.Dataset]error{},
	}
	for _, ds := range core.Datasets {
		p.status[ds] = feed.StatusPending
	}
	for _, opt := range opts {
		opt(p)
	}
	p.events = log.NewStructuredLogger(p.logger)
	return p
}

// Start subscribes to both datasets. If the second subscription fails the
// first is released again.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return ErrClosed
	case p.started:
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	// Sources may deliver the first snapshot from inside Subscribe, so the
	// lock is not held here.
	subs := make([]feed.Subscription, 0, len(core.Datasets))
	for _, ds := range core.Datasets {
		sub, err := p.src.Subscribe(ctx, ds, p.handler(ds))
		if err != nil {
			for _, s := range subs {
				if uerr := s.Unsubscribe(); uerr != nil {
					p.logger.Warn("Failed to release subscription", log.FieldError, uerr)
				}
			}
			return fmt.Errorf("subscribe %s: %w", ds, err)
		}
		subs = append(subs, sub)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.Join(ErrClosed, unsubscribeAll(subs))
	}
	p.subs = subs
	p.mu.Unlock()

	p.logger.Info("Publisher started", log.FieldOperation, log.OpStartup)
	return nil
}

func (p *Publisher) handler(ds core.Dataset) feed.Handler {
	return func(e feed.Event) {
		if e.Dataset == "" {
			e.Dataset = ds
		}
		p.handle(e)
	}
}

func (p *Publisher) handle(e feed.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	switch e.Kind {
	case feed.Snapshot:
		p.store.Replace(e.Dataset, e.Records)
		p.events.LogSnapshot(context.Background(), string(e.Dataset), len(e.Records), countCoerced(e.Records))
		p.setStatusLocked(e.Dataset, feed.StatusConnected, nil)
		p.recomputeLocked()
	case feed.Disconnected:
		p.logger.Warn("Feed disconnected, keeping last bundle",
			log.FieldDataset, e.Dataset,
			log.FieldError, e.Err)
		p.setStatusLocked(e.Dataset, feed.StatusDisconnected, e.Err)
	case feed.Reconnected:
		p.logger.Info("Feed reconnected", log.FieldDataset, e.Dataset)
		p.setStatusLocked(e.Dataset, feed.StatusConnected, nil)
	default:
		p.logger.Warn("Ignoring unknown feed event", log.FieldDataset, e.Dataset, "kind", e.Kind.String())
	}
}

func (p *Publisher) setStatusLocked(ds core.Dataset, s feed.Status, err error) {
	if !ds.Valid() {
		return
	}
	changed := p.status[ds] != s
	p.status[ds] = s
	if err != nil {
		p.lastErr[ds] = err
	} else if s == feed.StatusConnected {
		delete(p.lastErr, ds)
	}
	if !changed {
		return
	}
	p.watchers.each(func(w StatusObserver) { w(ds, s, err) })
}

// recomputeLocked runs the whole filter/aggregate/publish step with p.mu held
// and returns the published bundle.
func (p *Publisher) recomputeLocked() core.ViewBundle {
	primary, secondary := p.store.Generation()
	key := memoKey{primary: primary, secondary: secondary, query: p.query}

	bundle, ok := p.memo.Get(key)
	if !ok {
		bundle = p.agg.Aggregate(search.Filter(p.store.Merged(), p.query))
		p.memo.Set(key, bundle)
	}

	p.seq++
	bundle.Sequence = p.seq
	bundle.Query = p.query
	p.current = bundle

	p.logger.Debug("Bundle published",
		log.FieldOperation, log.OpRecompute,
		log.FieldSequence, p.seq,
		log.FieldSearch, p.query,
		log.FieldRecords, bundle.Summary.RecordCount,
		"memo_hit", ok)

	p.observers.each(func(o Observer) { o(bundle) })
	return bundle
}

// SetQuery replaces the search query, publishes a new bundle and returns it.
// After Close it changes nothing and returns the last bundle.
func (p *Publisher) SetQuery(q string) core.ViewBundle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.current
	}
	p.query = q
	return p.recomputeLocked()
}

func (p *Publisher) Query() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.query
}

// Current returns the last published bundle, or an empty bundle with
// sequence 0 before the first one.
func (p *Publisher) Current() core.ViewBundle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subscribe registers o and hands it the current bundle right away. The
// returned cancel function is idempotent and must not be called from inside
// an observer.
func (p *Publisher) Subscribe(o Observer) (cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return func() {}
	}
	id := p.observers.add(o)
	o(p.current)
	return p.canceler(func() { p.observers.remove(id) })
}

// WatchStatus registers w for dataset connection changes.
func (p *Publisher) WatchStatus(w StatusObserver) (cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return func() {}
	}
	id := p.watchers.add(w)
	return p.canceler(func() { p.watchers.remove(id) })
}

func (p *Publisher) canceler(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			remove()
		})
	}
}

// Status reports the connection state of each dataset.
func (p *Publisher) Status() map[core.Dataset]feed.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[core.Dataset]feed.Status, len(p.status))
	for ds, s := range p.status {
		out[ds] = s
	}
	return out
}

// DatasetReport describes one dataset for operators.
type DatasetReport struct {
	Status  feed.Status `json:"status"`
	Records int         `json:"records"`
	Error   string      `json:"error,omitempty"`
}

// Report is a point-in-time view of the publisher for the status endpoint.
type Report struct {
	Sequence  uint64                         `json:"sequence"`
	Query     string                         `json:"query"`
	Observers int                            `json:"observers"`
	Datasets  map[core.Dataset]DatasetReport `json:"datasets"`
	Cache     cache.Stats                    `json:"cache"`
	Closed    bool                           `json:"closed"`
}

func (p *Publisher) Report() Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := Report{
		Sequence:  p.seq,
		Query:     p.query,
		Observers: p.observers.len(),
		Datasets:  make(map[core.Dataset]DatasetReport, len(core.Datasets)),
		Cache:     p.memo.Stats(),
		Closed:    p.closed,
	}
	for _, ds := range core.Datasets {
		d := DatasetReport{Status: p.status[ds], Records: len(p.store.Snapshot(ds))}
		if err := p.lastErr[ds]; err != nil {
			d.Error = err.Error()
		}
		r.Datasets[ds] = d
	}
	return r
}

// Close releases both feed subscriptions and drops every observer. After
// Close no event or query change produces a bundle. It is idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	subs := p.subs
	p.subs = nil
	p.observers.clear()
	p.watchers.clear()
	p.mu.Unlock()

	// Unsubscribe waits for in-flight deliveries, which need p.mu.
	err := unsubscribeAll(subs)
	p.logger.Info("Publisher closed", log.FieldOperation, log.OpShutdown)
	return err
}

func unsubscribeAll(subs []feed.Subscription) error {
	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func countCoerced(recs []core.Record) int {
	n := 0
	for _, r := range recs {
		if r.Coerced() {
			n++
		}
	}
	return n
}
