package app

import (
	"context"
	"fmt"
	"strconv"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/adapter/outbound/blobstore"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/adapter/outbound/downstream"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/adapter/outbound/locker"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/adapter/outbound/metastore"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/config"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/service"
	"github.com/anthanhphan/go-ingestion-pipeline/pkg/gossip"
	"github.com/anthanhphan/go-ingestion-pipeline/pkg/idgen"
	"github.com/anthanhphan/go-ingestion-pipeline/pkg/shard"
	"github.com/anthanhphan/gosdk/logger"
	"github.com/redis/go-redis/v9"
)

func (a *App) buildDependencies(ctx context.Context) (service.Dependencies, error) {
	var deps service.Dependencies
	cfg := a.cfg

	store, err := openMetadataStore(ctx, cfg.Metadata, cfg.App)
	if err != nil {
		return deps, err
	}
	a.onClose("metadata store", store.Close)
	deps.Store = store

	blobs, err := blobstore.Open(ctx, cfg.Storage)
	if err != nil {
		return deps, err
	}
	a.onClose("blob store", blobs.Close)
	deps.Blobs = blobs
	logger.Infow("Blob store opened", "url", cfg.Storage.BlobURL)

	// Redis backs the shared lock and the shared id clock. Without it the
	// node runs single-instance with local equivalents.
	var clock idgen.Clock = idgen.SystemClock{}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.onClose("redis", client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return deps, fmt.Errorf("failed to reach redis: %w", err)
		}
		deps.Locker = locker.NewRedisLocker(client, cfg.Redis.LockTTL())
		clock = idgen.NewRedisClock(client, 0)
		logger.Infow("Using redis session locks", "addr", cfg.Redis.Addr)
	} else {
		deps.Locker = locker.NewLocalLocker()
	}

	idGen, err := idgen.New(cfg.App.NodeID, clock)
	if err != nil {
		return deps, fmt.Errorf("failed to init snowflake: %w", err)
	}
	deps.IDGen = idGen

	notifier, err := openNotifier(cfg.Notifier)
	if err != nil {
		return deps, err
	}
	a.onClose("notifier", notifier.Close)
	deps.Notifier = notifier

	if cfg.Gossip.Enabled {
		membership, err := joinCluster(cfg)
		if err != nil {
			return deps, err
		}
		a.membership = membership
		deps.Membership = membership
	}

	return deps, nil
}

func openMetadataStore(ctx context.Context, cfg config.MetadataConfig, app config.AppConfig) (port.MetadataStore, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Warnw("Using in-memory metadata store; state is lost on restart", "driver", "memory")
		return metastore.NewMemoryStore(), nil
	case "postgres":
		store, err := metastore.NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns, app.StoreTimeout())
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown metadata driver %q", cfg.Driver)
	}
}

func openNotifier(cfg config.NotifierConfig) (port.Notifier, error) {
	switch cfg.Driver {
	case "", "log":
		return downstream.LogNotifier{}, nil
	case "kafka":
		n, err := downstream.NewKafkaNotifier(cfg.Brokers, cfg.Topic, cfg.Timeout())
		if err != nil {
			return nil, fmt.Errorf("failed to init kafka notifier: %w", err)
		}
		return n, nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("webhook notifier requires webhook_url")
		}
		return downstream.NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout()), nil
	default:
		return nil, fmt.Errorf("unknown notifier driver %q", cfg.Driver)
	}
}

func joinCluster(cfg *config.Config) (*gossip.Membership, error) {
	name := cfg.Gossip.NodeName
	if name == "" {
		name = "ingest-" + strconv.FormatInt(cfg.App.NodeID, 10)
	}

	ring := shard.NewRing(cfg.Gossip.VNodes)
	membership, err := gossip.NewMembership(gossip.Config{
		NodeID:      name,
		BindAddr:    cfg.Gossip.BindAddr,
		BindPort:    cfg.Gossip.BindPort,
		ServiceAddr: cfg.Server.Addr,
		Seeds:       cfg.Gossip.Seeds,
	}, ring)
	if err != nil {
		return nil, err
	}
	logger.Infow("Joined ingest cluster", "node", name, "seeds", cfg.Gossip.Seeds)
	return membership, nil
}
