package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"budgetflow/internal/aggregate"
	"budgetflow/internal/core"
	"budgetflow/internal/feed"
	"budgetflow/internal/feed/memory"

	"github.com/shopspring/decimal"
)

func rec(to string, amount int64, typ core.FlowType) core.Record {
	return core.Record{From: "Ops", To: to, Amount: decimal.NewFromInt(amount), Type: typ, Date: core.NewDate(2024, 1, 1)}
}

type bundleLog struct {
	mu      sync.Mutex
	bundles []core.ViewBundle
}

func (l *bundleLog) observe(b core.ViewBundle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bundles = append(l.bundles, b)
}

func (l *bundleLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bundles)
}

func (l *bundleLog) last() core.ViewBundle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bundles[len(l.bundles)-1]
}

func started(t *testing.T, hub *memory.Hub, opts ...Option) *Publisher {
	t.Helper()
	p := New(hub, opts...)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPublisherMergesDatasets(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	hub.PublishSnapshot(ctx, core.Primary, []core.Record{rec("VendorA", 100, core.Planned)})
	p := started(t, hub)

	hub.PublishSnapshot(ctx, core.Secondary, []core.Record{rec("VendorA", 90, core.Actual)})

	b := p.Current()
	if b.Summary.RecordCount != 2 {
		t.Fatalf("record count = %d", b.Summary.RecordCount)
	}
	if len(b.Comparison) != 1 || !b.Comparison[0].Planned.Equal(decimal.NewFromInt(100)) || !b.Comparison[0].Actual.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("comparison = %+v", b.Comparison)
	}
	if b.Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", b.Sequence)
	}
	st := p.Status()
	if st[core.Primary] != feed.StatusConnected || st[core.Secondary] != feed.StatusConnected {
		t.Fatalf("status = %v", st)
	}
}

func TestSubscribeDeliversCurrentImmediately(t *testing.T) {
	hub := memory.NewHub()
	p := started(t, hub)

	var log bundleLog
	cancel := p.Subscribe(log.observe)
	defer cancel()
	if log.count() != 1 || log.last().Sequence != 0 {
		t.Fatalf("expected the empty initial bundle, got %d bundles", log.count())
	}
	if log.last().ActualFlows == nil {
		t.Fatalf("initial bundle must have empty views, not nil")
	}
}

func TestSetQueryFiltersCaseInsensitively(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	p := started(t, hub)
	hub.PublishSnapshot(ctx, core.Primary, []core.Record{
		rec("VendorA", 10, core.Actual),
		rec("Other", 20, core.Actual),
	})

	var log bundleLog
	cancel := p.Subscribe(log.observe)
	defer cancel()

	returned := p.SetQuery("vendora")
	b := log.last()
	if returned.Sequence != b.Sequence || returned.Query != "vendora" {
		t.Fatalf("SetQuery returned sequence %d query %q, published %d", returned.Sequence, returned.Query, b.Sequence)
	}
	if b.Query != "vendora" || p.Query() != "vendora" {
		t.Fatalf("query not stamped: %q", b.Query)
	}
	if len(b.ActualFlows) != 1 || b.ActualFlows[0].To != "VendorA" {
		t.Fatalf("filtered flows = %+v", b.ActualFlows)
	}

	p.SetQuery("")
	if got := len(log.last().ActualFlows); got != 2 {
		t.Fatalf("clearing the query should restore all vendors, got %d", got)
	}
}

func TestMemoReusesIdenticalState(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	p := started(t, hub, WithCacheSize(8))
	hub.PublishSnapshot(ctx, core.Primary, []core.Record{rec("VendorA", 10, core.Actual)})

	p.SetQuery("x")
	p.SetQuery("")
	r := p.Report()
	if r.Cache.Hits != 1 {
		t.Fatalf("expected one memo hit, got %+v", r.Cache)
	}
	if r.Sequence != 3 {
		t.Fatalf("every recompute must publish, sequence = %d", r.Sequence)
	}

	// A new snapshot is a new generation, even with equal content.
	hub.PublishSnapshot(ctx, core.Primary, []core.Record{rec("VendorA", 10, core.Actual)})
	if p.Report().Cache.Hits != 1 {
		t.Fatalf("new generation must not hit the memo")
	}
}

func TestCloseStopsPublishing(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	p := New(hub)
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	var log bundleLog
	p.Subscribe(log.observe)
	before := log.count()

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	hub.PublishSnapshot(ctx, core.Primary, []core.Record{rec("VendorA", 10, core.Actual)})
	if got := p.SetQuery("anything"); got.Query == "anything" {
		t.Fatalf("SetQuery after close must return the last bundle, got query %q", got.Query)
	}
	if log.count() != before {
		t.Fatalf("bundles published after close: %d -> %d", before, log.count())
	}
	if hub.Subscribers(core.Primary) != 0 || hub.Subscribers(core.Secondary) != 0 {
		t.Fatalf("feed subscriptions leaked")
	}
	if err := p.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close: %v", err)
	}
}

func TestCancelledObserverStopsReceiving(t *testing.T) {
	hub := memory.NewHub()
	p := started(t, hub)

	var a, b bundleLog
	cancelA := p.Subscribe(a.observe)
	cancelB := p.Subscribe(b.observe)
	defer cancelB()

	cancelA()
	cancelA()
	p.SetQuery("q")
	if a.count() != 1 {
		t.Fatalf("cancelled observer received %d bundles", a.count())
	}
	if b.count() != 2 {
		t.Fatalf("live observer received %d bundles", b.count())
	}
	if p.Report().Observers != 1 {
		t.Fatalf("observers = %d", p.Report().Observers)
	}
}

func TestDisconnectKeepsLastBundle(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	p := started(t, hub)
	hub.PublishSnapshot(ctx, core.Secondary, []core.Record{rec("VendorA", 10, core.Actual)})
	last := p.Current()

	type change struct {
		ds     core.Dataset
		status feed.Status
	}
	var changes []change
	p.WatchStatus(func(ds core.Dataset, s feed.Status, _ error) { changes = append(changes, change{ds, s}) })

	hub.Disconnect(core.Secondary, errors.New("socket closed"))
	if p.Status()[core.Secondary] != feed.StatusDisconnected {
		t.Fatalf("status = %v", p.Status())
	}
	if got := p.Current(); got.Sequence != last.Sequence {
		t.Fatalf("disconnect must not publish, sequence %d -> %d", last.Sequence, got.Sequence)
	}
	if r := p.Report(); r.Datasets[core.Secondary].Error != "socket closed" || r.Datasets[core.Secondary].Records != 1 {
		t.Fatalf("report = %+v", r.Datasets[core.Secondary])
	}

	hub.Reconnect(core.Secondary)
	if p.Status()[core.Secondary] != feed.StatusConnected {
		t.Fatalf("status after reconnect = %v", p.Status())
	}
	if p.Report().Datasets[core.Secondary].Error != "" {
		t.Fatalf("error should clear on reconnect")
	}
	want := []change{{core.Secondary, feed.StatusDisconnected}, {core.Secondary, feed.StatusConnected}}
	if len(changes) != len(want) || changes[0] != want[0] || changes[1] != want[1] {
		t.Fatalf("status changes = %+v", changes)
	}
}

type failingSource struct {
	hub    *memory.Hub
	failOn core.Dataset
	subs   []feed.Subscription
}

func (f *failingSource) Subscribe(ctx context.Context, ds core.Dataset, h feed.Handler) (feed.Subscription, error) {
	if ds == f.failOn {
		return nil, errors.New("listener refused")
	}
	sub, err := f.hub.Subscribe(ctx, ds, h)
	if err == nil {
		f.subs = append(f.subs, sub)
	}
	return sub, err
}

func TestStartReleasesFirstSubscriptionOnFailure(t *testing.T) {
	hub := memory.NewHub()
	src := &failingSource{hub: hub, failOn: core.Secondary}
	p := New(src)
	err := p.Start(context.Background())
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if hub.Subscribers(core.Primary) != 0 {
		t.Fatalf("primary subscription leaked")
	}
}

func TestDatePolicyOption(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	p := started(t, hub, WithAggregator(aggregate.New(aggregate.WithLatestPolicy(aggregate.DateWins))))

	newer := rec("VendorA", 70, core.Actual)
	newer.Date = core.NewDate(2024, 3, 1)
	older := rec("VendorA", 50, core.Actual)
	older.Date = core.NewDate(2024, 2, 1)
	hub.PublishSnapshot(ctx, core.Primary, []core.Record{newer, older})

	if got := p.Current().LatestActualByVendor["VendorA"]; !got.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("date policy not applied: %s", got)
	}
}

func TestConcurrentEventsPublishInSequence(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	p := started(t, hub)

	var mu sync.Mutex
	var seqs []uint64
	p.Subscribe(func(b core.ViewBundle) {
		mu.Lock()
		seqs = append(seqs, b.Sequence)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			ds := core.Datasets[i%2]
			hub.PublishSnapshot(ctx, ds, []core.Record{rec("VendorA", int64(i), core.Actual)})
		}(i)
		go func() {
			defer wg.Done()
			p.SetQuery("vendor")
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != 17 {
		t.Fatalf("expected 17 bundles, got %d", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("sequence gap at %d: %v", i, seqs)
		}
	}
}
