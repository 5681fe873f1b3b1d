package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/content"
	"github.com/appbase-cms/appbase/internal/identity"
	"github.com/appbase-cms/appbase/internal/inspector"
	"github.com/appbase-cms/appbase/internal/media"
	"github.com/appbase-cms/appbase/internal/media/blob"
	"github.com/appbase-cms/appbase/internal/observability"
	"github.com/appbase-cms/appbase/internal/platform/cache"
	"github.com/appbase-cms/appbase/internal/platform/clock"
	"github.com/appbase-cms/appbase/internal/platform/db"
	"github.com/appbase-cms/appbase/internal/public"
	"github.com/appbase-cms/appbase/internal/settings"
	"github.com/appbase-cms/appbase/internal/storage"
)

// Services holds the domain services built over one storage engine.
type Services struct {
	Engine    storage.Engine
	Identity  *identity.Service
	Settings  *settings.Service
	Content   *content.Service
	Media     *media.Service
	Inspector *inspector.Service
	Public    *public.Service
}

// OpenEngine connects the configured storage backend and applies its schema.
func OpenEngine(ctx context.Context, cfg *Config, logger *slog.Logger) (storage.Engine, error) {
	var engine storage.Engine
	switch cfg.StorageBackend {
	case "postgres":
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{ApplicationName: "appbase"})
		if err != nil {
			return nil, err
		}
		engine = storage.NewPostgresEngine(pool)
	case "redis":
		client, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		engine = storage.NewRedisEngine(client, cfg.RedisKeyPrefix)
	default:
		logger.Warn("using in-memory storage; data is lost on restart")
		engine = storage.NewMemoryEngine()
	}
	if err := engine.Migrate(ctx); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("migrate %s storage: %w", cfg.StorageBackend, err)
	}
	logger.Info("storage ready", slog.String("backend", cfg.StorageBackend))
	return engine, nil
}

// OpenBlobStore returns the configured media payload store.
func OpenBlobStore(ctx context.Context, cfg *Config) (blob.Store, error) {
	if cfg.MediaBackend == "s3" {
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		})
	}
	return blob.NewFSStore(cfg.MediaPath)
}

// IdentityConfig derives the session settings from cfg.
func IdentityConfig(cfg *Config) (identity.Config, error) {
	admin, err := identity.ParseIPAllowlist(cfg.AdminLoginAcceptIP)
	if err != nil {
		return identity.Config{}, fmt.Errorf("ADMIN_LOGIN_ACCEPT_IP: %w", err)
	}
	contributor, err := identity.ParseIPAllowlist(cfg.ContributorLoginAcceptIP)
	if err != nil {
		return identity.Config{}, fmt.Errorf("CONTRIBUTOR_LOGIN_ACCEPT_IP: %w", err)
	}
	return identity.Config{
		Secret:          []byte(cfg.SessionSecret),
		TTL:             cfg.SessionTTL,
		MaxLifetime:     cfg.SessionMaxLifetime,
		RefreshInterval: cfg.SessionRefreshInterval,
		Allowlists: map[authz.Role]identity.IPAllowlist{
			authz.RoleAdmin:       admin,
			authz.RoleContributor: contributor,
		},
	}, nil
}

// NewServices builds every domain service over engine. store may be nil for
// tools that never touch media payloads.
func NewServices(cfg *Config, engine storage.Engine, store blob.Store, logger *slog.Logger, metrics *observability.Metrics) (*Services, error) {
	clk := clock.Real()
	idCfg, err := IdentityConfig(cfg)
	if err != nil {
		return nil, err
	}
	ident, err := identity.NewService(engine, clk, idCfg, logger.With(slog.String("component", "identity")), metrics)
	if err != nil {
		return nil, err
	}
	sett := settings.NewService(engine, clk, logger.With(slog.String("component", "settings")), cfg.AdminURLPrefix)
	cont := content.NewService(engine, clk, logger.With(slog.String("component", "content")),
		content.WithTagPolicy(sett),
		content.WithMetrics(metrics),
	)
	med := media.NewService(engine, store, media.PolicyValidator{Limits: sett}, clk, logger.With(slog.String("component", "media")))
	insp := inspector.NewService(engine, logger.With(slog.String("component", "inspector")), metrics,
		cont.InspectorAdapter(),
		ident.PrincipalAdapter(),
		ident.SessionAdapter(),
		sett.InspectorAdapter(),
		med.InspectorAdapter(),
	)
	insp.ConfirmPasswordsWith(ident)
	pub := public.NewService(engine, sett, logger.With(slog.String("component", "public")))
	return &Services{
		Engine:    engine,
		Identity:  ident,
		Settings:  sett,
		Content:   cont,
		Media:     med,
		Inspector: insp,
		Public:    pub,
	}, nil
}

// Close releases the storage engine.
func (s *Services) Close() error {
	if s == nil || s.Engine == nil {
		return nil
	}
	return s.Engine.Close()
}
