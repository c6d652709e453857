package backend

import (
	"fmt"
	"time"

	"budgetflow/internal/config"
	"budgetflow/internal/docstore"
	"budgetflow/internal/feed"
)

// Config holds everything needed to build the feed and document store.
type Config struct {
	Type  FeedType
	Names feed.Names

	// AMQP
	AMQPURL      string
	AMQPExchange string

	// NATS
	NATSURL           string
	NATSSubjectPrefix string

	// Google Sheets; one sheet per feed name
	SpreadsheetID string
	SheetsPoll    time.Duration

	Documents docstore.Config
}

// FromAppConfig converts the application config to backend config.
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	feedType := FeedType(appConfig.FeedBackend)
	if !feedType.IsValid() {
		return Config{}, fmt.Errorf("invalid feed backend in config: %s (want one of %v)", appConfig.FeedBackend, FeedTypes())
	}

	return Config{
		Type: feedType,
		Names: feed.Names{
			Primary:   appConfig.FeedPrimaryName,
			Secondary: appConfig.FeedSecondaryName,
		},

		AMQPURL:      appConfig.AMQPURL,
		AMQPExchange: appConfig.AMQPExchange,

		NATSURL:           appConfig.NATSURL,
		NATSSubjectPrefix: appConfig.NATSSubjectPrefix,

		SpreadsheetID: appConfig.SpreadsheetID,
		SheetsPoll:    appConfig.SheetsPoll,

		Documents: docstore.Config{
			Backend:            appConfig.DocstoreBackend,
			Dir:                appConfig.DocstoreDir,
			BaseURL:            appConfig.DocstoreBaseURL,
			GCSBucket:          appConfig.GCSBucket,
			GCSCredentialsJSON: appConfig.GCSCredentials,
			S3Bucket:           appConfig.S3Bucket,
			S3Region:           appConfig.S3Region,
			S3Endpoint:         appConfig.S3Endpoint,
		},
	}, nil
}

// Validate checks the settings the selected transports need.
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid feed backend: %s", c.Type)
	}
	if c.Names.Primary == "" || c.Names.Secondary == "" || c.Names.Primary == c.Names.Secondary {
		return fmt.Errorf("feed names must be set and distinct, got %q and %q", c.Names.Primary, c.Names.Secondary)
	}

	switch c.Type {
	case AMQPFeed:
		if c.AMQPURL == "" {
			return fmt.Errorf("AMQP URL is required for amqp feed")
		}
		if c.AMQPExchange == "" {
			return fmt.Errorf("AMQP exchange is required for amqp feed")
		}
	case NATSFeed:
		if c.NATSURL == "" {
			return fmt.Errorf("NATS URL is required for nats feed")
		}
	case SheetsFeed:
		if c.SpreadsheetID == "" {
			return fmt.Errorf("Google Spreadsheet ID is required for sheets feed")
		}
	case MemoryFeed:
		// nothing to check
	}
	return nil
}

// FeedTypes returns all valid feed types.
func FeedTypes() []FeedType {
	return []FeedType{MemoryFeed, AMQPFeed, NATSFeed, SheetsFeed}
}
