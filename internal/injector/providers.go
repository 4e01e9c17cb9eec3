package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/keeper/internal/config"
	"github.com/zeusync/keeper/internal/core/events/bus"
	"github.com/zeusync/keeper/internal/core/migration"
	"github.com/zeusync/keeper/internal/core/observability/log"
	"github.com/zeusync/keeper/internal/core/observability/metrics"
	"github.com/zeusync/keeper/internal/core/resolver"
	"github.com/zeusync/keeper/internal/core/storage"
	"github.com/zeusync/keeper/internal/core/storage/sqlite"
	"github.com/zeusync/keeper/internal/game"
	"github.com/zeusync/keeper/internal/server"
)

// ProviderSet builds a server from a loaded configuration.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
	bus.New,
	metrics.New,
	ProvideMirror,
	ProvideResolver,
	ProvideRegistry,
	ProvideServerConfig,
	server.NewServer,
)

func ProvideLogger(cfg *config.Config) (*log.Logger, func(), error) {
	logger, err := log.New(cfg.Log.Options())
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = logger.Sync() }, nil
}

// ProvideMirror opens the sqlite snapshot mirror, or returns nil when no
// mirror path is configured.
func ProvideMirror(cfg *config.Config, logger log.Log) (storage.Mirror, func(), error) {
	if cfg.Persistence.MirrorPath == "" {
		return nil, func() {}, nil
	}
	m, err := sqlite.Open(cfg.Persistence.MirrorPath)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Snapshot mirror enabled", log.String("path", m.Path()))
	return m, func() { _ = m.Close() }, nil
}

// ProvideResolver returns nil when legacy key conversion is disabled.
func ProvideResolver(cfg *config.Config, logger log.Log) (migration.Resolver, error) {
	if !cfg.Migration.Enabled {
		return nil, nil
	}
	c, err := resolver.New(cfg.Migration.ResolverConfig(), logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func ProvideRegistry(
	cfg *config.Config,
	mirror storage.Mirror,
	res migration.Resolver,
	logger log.Log,
	eventBus bus.EventBus,
	collector *metrics.Collector,
) *game.Registry {
	return game.New(game.Options{
		DataDir:  cfg.DataDir,
		Indent:   cfg.Persistence.Indent,
		Resolver: res,
		Mirror:   mirror,
		Logger:   logger,
		Bus:      eventBus,
		Metrics:  collector,
	})
}

func ProvideServerConfig(cfg *config.Config) server.Config {
	sc := server.DefaultServerConfig()
	sc.ListenAddr = cfg.Server.ListenAddr
	sc.ShutdownTimeout = cfg.Server.ShutdownTimeout
	sc.AutosaveInterval = cfg.Persistence.AutosaveInterval
	return sc
}
