package backend

import (
	"context"
	"strings"
	"testing"
	"time"

	"budgetflow/internal/config"
	"budgetflow/internal/core"
	"budgetflow/internal/docstore"
	"budgetflow/internal/feed"
	"budgetflow/internal/feed/memory"
	"budgetflow/internal/feed/natsfeed"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/shopspring/decimal"
)

type staticSeeder map[core.Dataset][]core.Record

func (s staticSeeder) Snapshot(_ context.Context, ds core.Dataset) ([]core.Record, error) {
	return s[ds], nil
}

func localConfig(t *testing.T, typ FeedType) Config {
	return Config{
		Type:      typ,
		Names:     feed.DefaultNames,
		Documents: docstore.Config{Backend: "local", Dir: t.TempDir(), BaseURL: "/documents"},
	}
}

func TestFromAppConfig(t *testing.T) {
	app := config.Defaults()
	app.FeedBackend = "nats"
	app.DocstoreBackend = "s3"
	app.S3Bucket = "flows"

	cfg, err := FromAppConfig(&app)
	if err != nil {
		t.Fatalf("FromAppConfig: %v", err)
	}
	if cfg.Type != NATSFeed || cfg.NATSURL != app.NATSURL || cfg.NATSSubjectPrefix != "budgetflow" {
		t.Fatalf("unexpected feed config: %+v", cfg)
	}
	if cfg.Names.Primary != "budgetFlows" || cfg.Names.Secondary != "budgetFlows2" {
		t.Fatalf("feed names: %+v", cfg.Names)
	}
	if cfg.Documents.Backend != "s3" || cfg.Documents.S3Bucket != "flows" || cfg.Documents.S3Region != "us-east-1" {
		t.Fatalf("docstore config: %+v", cfg.Documents)
	}

	app.FeedBackend = "kafka"
	if _, err := FromAppConfig(&app); err == nil || !strings.Contains(err.Error(), "kafka") {
		t.Fatalf("expected invalid backend error, got %v", err)
	}
	if _, err := FromAppConfig(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"memory ok", func(c *Config) {}, ""},
		{"same names", func(c *Config) { c.Names.Secondary = c.Names.Primary }, "distinct"},
		{"amqp without url", func(c *Config) { c.Type = AMQPFeed; c.AMQPExchange = "x" }, "AMQP URL"},
		{"amqp without exchange", func(c *Config) { c.Type = AMQPFeed; c.AMQPURL = "amqp://h" }, "exchange"},
		{"nats without url", func(c *Config) { c.Type = NATSFeed }, "NATS URL"},
		{"sheets without id", func(c *Config) { c.Type = SheetsFeed }, "Spreadsheet ID"},
		{"unknown type", func(c *Config) { c.Type = "carrier-pigeon" }, "invalid feed backend"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := localConfig(t, MemoryFeed)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.errMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.errMsg) {
				t.Fatalf("error = %v, want substring %q", err, tc.errMsg)
			}
		})
	}
}

func TestCreateMemoryBackend(t *testing.T) {
	ctx := context.Background()
	cfg := localConfig(t, MemoryFeed)

	res, err := NewFactory(nil).CreateBackend(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	defer res.Cleanup()

	if _, ok := res.Feed.(*memory.Hub); !ok {
		t.Fatalf("expected memory hub, got %T", res.Feed)
	}
	if !res.SeedOnStart {
		t.Fatalf("memory feed must be seeded at startup")
	}
	if res.DocumentsDir != cfg.Documents.Dir {
		t.Fatalf("documents dir = %q, want %q", res.DocumentsDir, cfg.Documents.Dir)
	}
	uri, err := res.Documents.Put(ctx, "budgetSteps/1_0_a.pdf", []byte("%PDF-1.4\n"))
	if err != nil || uri != "/documents/budgetSteps/1_0_a.pdf" {
		t.Fatalf("put = %q, %v", uri, err)
	}
}

func TestCreateBackendDocstoreFailure(t *testing.T) {
	cfg := localConfig(t, MemoryFeed)
	cfg.Documents = docstore.Config{Backend: "ftp"}
	if _, err := NewFactory(nil).CreateBackend(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected docstore error")
	}
}

func TestCreateNATSBackendSeedsSubscribers(t *testing.T) {
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}

	cfg := localConfig(t, NATSFeed)
	cfg.NATSURL = srv.ClientURL()
	cfg.NATSSubjectPrefix = "test"
	seeder := staticSeeder{core.Primary: {{From: "Ops", To: "VendorA", Amount: decimal.NewFromInt(5), Type: core.Actual}}}

	res, err := NewFactory(nil).CreateBackend(context.Background(), cfg, seeder)
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	defer res.Cleanup()

	if _, ok := res.Feed.(*natsfeed.Feed); !ok {
		t.Fatalf("expected NATS feed, got %T", res.Feed)
	}
	if res.SeedOnStart {
		t.Fatalf("bus feeds seed subscribers themselves")
	}

	var got []feed.Event
	sub, err := res.Feed.Subscribe(context.Background(), core.Primary, func(e feed.Event) { got = append(got, e) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if len(got) != 1 || got[0].Kind != feed.Snapshot || len(got[0].Records) != 1 {
		t.Fatalf("expected the seeded snapshot, got %+v", got)
	}
}
