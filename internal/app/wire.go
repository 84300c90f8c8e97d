package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/arbguard/internal/blob/s3"
	"github.com/alanyoungcy/arbguard/internal/cache/memory"
	"github.com/alanyoungcy/arbguard/internal/cache/redis"
	"github.com/alanyoungcy/arbguard/internal/config"
	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/notify"
	"github.com/alanyoungcy/arbguard/internal/server/handler"
	"github.com/alanyoungcy/arbguard/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes run on. Stores and the
// archiver are nil when the mode or configuration leaves them out.
type Dependencies struct {
	// Stores
	PositionStore    *postgres.PositionStore
	BundleStore      *postgres.BundleStore
	OpportunityStore *postgres.OpportunityStore
	AuditStore       *postgres.AuditStore

	// Caches
	QuoteMirror domain.QuoteMirror
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver *s3blob.ArchiveImpl

	// Notifications
	Notifier *notify.Notifier

	// Checks are the health probes served on /api/health.
	Checks map[string]handler.Check
}

// needsPostgres reports whether the mode persists opportunities, bundles
// and positions.
func needsPostgres(mode string) bool {
	switch mode {
	case "full", "detect":
		return true
	default:
		return false
	}
}

// Wire constructs the infrastructure for cfg and returns it with a cleanup
// function that releases resources in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- PostgreSQL ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		stores := pgClient.Stores()
		deps.PositionStore = stores.Positions
		deps.BundleStore = stores.Bundles
		deps.OpportunityStore = stores.Opportunities
		deps.AuditStore = stores.Audit
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis, or in-process fallbacks ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.QuoteMirror = redis.NewQuoteMirror(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.InfoContext(ctx, "redis not configured, using in-process cache and bus")
		deps.PriceCache = memory.NewPriceCache()
		deps.RateLimiter = memory.NewRateLimiter()
		deps.LockManager = memory.NewLockManager()
		deps.SignalBus = memory.NewBus()
	}

	// --- S3 archive (needs the stores it drains) ---
	if cfg.S3.Enabled && deps.PositionStore != nil {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.PositionStore,
			deps.BundleStore,
			deps.OpportunityStore,
			deps.AuditStore,
			logger,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// Audit returns the audit store as an interface, nil when unset.
func (d *Dependencies) Audit() domain.AuditStore {
	if d.AuditStore == nil {
		return nil
	}
	return d.AuditStore
}

// Positions returns the position store as an interface, nil when unset.
func (d *Dependencies) Positions() domain.PositionStore {
	if d.PositionStore == nil {
		return nil
	}
	return d.PositionStore
}

// Bundles returns the bundle store as an interface, nil when unset.
func (d *Dependencies) Bundles() domain.BundleStore {
	if d.BundleStore == nil {
		return nil
	}
	return d.BundleStore
}

// Opportunities returns the opportunity store as an interface, nil when
// unset.
func (d *Dependencies) Opportunities() domain.OpportunityStore {
	if d.OpportunityStore == nil {
		return nil
	}
	return d.OpportunityStore
}
