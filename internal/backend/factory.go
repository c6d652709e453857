package backend

import (
	"context"
	"errors"
	"fmt"

	"budgetflow/internal/docstore"
	"budgetflow/internal/feed"
	"budgetflow/internal/feed/amqpfeed"
	"budgetflow/internal/feed/memory"
	"budgetflow/internal/feed/natsfeed"
	"budgetflow/internal/feed/sheetsfeed"
	"budgetflow/internal/log"
)

// DefaultFactory implements the Factory interface.
type DefaultFactory struct {
	logger *log.Logger
}

func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Discard()
	}
	return &DefaultFactory{logger: logger.WithComponent(log.ComponentBackend)}
}

// CreateBackend builds the feed first and the document store second. If the
// document store fails the feed is closed again.
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config, seeder feed.Seeder) (*Result, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	res, err := f.createFeed(ctx, config, seeder)
	if err != nil {
		return nil, err
	}
	closeFeed := res.Cleanup

	docs, err := docstore.New(ctx, config.Documents)
	if err != nil {
		if closeFeed != nil {
			closeFeed()
		}
		return nil, fmt.Errorf("failed to initialize document store: %w", err)
	}
	if local, ok := docs.(*docstore.Local); ok {
		res.DocumentsDir = local.Dir()
	}
	res.Documents = docs
	res.Cleanup = func() error {
		var errs []error
		if closeFeed != nil {
			errs = append(errs, closeFeed())
		}
		errs = append(errs, docs.Close())
		return errors.Join(errs...)
	}

	f.logger.Info("Initialized document store", log.FieldBackend, docstoreName(config.Documents.Backend))
	return res, nil
}

func (f *DefaultFactory) createFeed(ctx context.Context, config Config, seeder feed.Seeder) (*Result, error) {
	switch config.Type {
	case MemoryFeed:
		return f.createMemoryFeed()
	case AMQPFeed:
		return f.createAMQPFeed(config, seeder)
	case NATSFeed:
		return f.createNATSFeed(config, seeder)
	case SheetsFeed:
		return f.createSheetsFeed(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported feed backend: %s", config.Type)
	}
}

func (f *DefaultFactory) createMemoryFeed() (*Result, error) {
	f.logger.Info("Initialized memory feed")
	return &Result{Feed: memory.NewHub(), SeedOnStart: true}, nil
}

func (f *DefaultFactory) createAMQPFeed(config Config, seeder feed.Seeder) (*Result, error) {
	client, err := amqpfeed.NewClient(config.AMQPURL, config.AMQPExchange, config.Names,
		amqpfeed.WithLogger(f.logger), amqpfeed.WithSeeder(seeder))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AMQP feed: %w", err)
	}
	f.logger.Info("Initialized AMQP feed",
		"exchange", config.AMQPExchange,
		log.FieldFeed, config.Names.Primary+","+config.Names.Secondary)
	return &Result{Feed: client, Cleanup: client.Close}, nil
}

func (f *DefaultFactory) createNATSFeed(config Config, seeder feed.Seeder) (*Result, error) {
	nf, err := natsfeed.Connect(config.NATSURL, config.NATSSubjectPrefix, config.Names,
		[]natsfeed.Option{natsfeed.WithLogger(f.logger), natsfeed.WithSeeder(seeder)})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize NATS feed: %w", err)
	}
	f.logger.Info("Initialized NATS feed",
		"subject_prefix", config.NATSSubjectPrefix,
		log.FieldFeed, config.Names.Primary+","+config.Names.Secondary)
	return &Result{Feed: nf, Cleanup: nf.Close}, nil
}

// createSheetsFeed treats the spreadsheet as the source of truth, so it is
// never primed from the ledger.
func (f *DefaultFactory) createSheetsFeed(ctx context.Context, config Config) (*Result, error) {
	values, err := sheetsfeed.NewGoogleValues(ctx, config.SpreadsheetID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
	}
	sf := sheetsfeed.New(values, config.Names,
		sheetsfeed.WithLogger(f.logger), sheetsfeed.WithPollInterval(config.SheetsPoll))
	f.logger.Info("Initialized Google Sheets feed", "poll_interval", config.SheetsPoll)
	return &Result{Feed: sf}, nil
}

func docstoreName(backend string) string {
	if backend == "" {
		return "local"
	}
	return backend
}
