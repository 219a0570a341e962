package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/mitchellh/go-homedir"

	"github.com/sunrich/adreel/internal/cache"
	"github.com/sunrich/adreel/internal/catalog"
	"github.com/sunrich/adreel/internal/media"
	"github.com/sunrich/adreel/internal/observability"
	"github.com/sunrich/adreel/pipeline"
	"github.com/sunrich/adreel/pipeline/providers"
)

// app bundles the orchestrator with the resources it owns.
type app struct {
	cfg      pipeline.Config
	orch     *pipeline.Orchestrator
	cache    *cache.Manager
	catalog  *catalog.Catalog
	recorder *catalog.Recorder
	logger   *log.Logger

	shutdownTracing observability.ShutdownFunc
}

// appOptions are the pieces of bootstrap that do not live in pipeline.Config.
type appOptions struct {
	AssetLog    string
	TraceWriter io.Writer
	Credentials *providers.Credentials
}

func newApp(ctx context.Context, cfg pipeline.Config, logger *log.Logger, opts appOptions) (*app, error) {
	if logger == nil {
		logger = log.Default()
	}
	a := &app{cfg: cfg, logger: logger}

	shutdown, err := observability.Setup(ctx, cfg.Tracing, observability.Options{
		Service: "adreel",
		Version: Version,
		Writer:  opts.TraceWriter,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to set up tracing: %w", err)
	}
	a.shutdownTracing = shutdown

	if cfg.Cache.Enabled {
		a.cache, err = cache.NewManager(cacheConfig(cfg.Cache), logger)
		if err != nil {
			a.Close(ctx) //nolint:errcheck
			return nil, err
		}
	}

	store, err := media.NewStore(cfg.Local.AudioDir)
	if err != nil {
		a.Close(ctx) //nolint:errcheck
		return nil, err
	}

	var creds providers.Credentials
	if opts.Credentials != nil {
		creds = *opts.Credentials
	} else if creds, err = providers.LoadCredentials(); err != nil {
		a.Close(ctx) //nolint:errcheck
		return nil, err
	}

	chains, err := providers.BuildChains(cfg, creds, providers.Deps{Store: store, Logger: logger})
	if err != nil {
		a.Close(ctx) //nolint:errcheck
		return nil, err
	}

	prefs, err := catalog.PreferencesFromEnv()
	if err != nil {
		a.Close(ctx) //nolint:errcheck
		return nil, fmt.Errorf("unable to read preferences: %w", err)
	}

	assetLog := opts.AssetLog
	if assetLog != "" {
		if assetLog, err = homedir.Expand(assetLog); err != nil {
			a.Close(ctx) //nolint:errcheck
			return nil, err
		}
	}
	a.recorder, err = catalog.NewRecorder(assetLog)
	if err != nil {
		a.Close(ctx) //nolint:errcheck
		return nil, err
	}
	a.catalog = catalog.New(cfg.Subjects)

	orchOpts := []pipeline.Option{
		pipeline.WithConfig(cfg),
		pipeline.WithCatalog(a.catalog),
		pipeline.WithPreferences(prefs),
		pipeline.WithAssetRecorder(a.recorder),
		pipeline.WithLogger(logger),
	}
	if a.cache != nil {
		orchOpts = append(orchOpts, pipeline.WithCache(a.cache))
	}
	a.orch, err = pipeline.New(chains, orchOpts...)
	if err != nil {
		a.Close(ctx) //nolint:errcheck
		return nil, err
	}
	return a, nil
}

// Close stops background work, then releases the cache and tracer.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.orch != nil {
		errs = append(errs, a.orch.Shutdown(ctx))
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.shutdownTracing != nil {
		errs = append(errs, a.shutdownTracing(ctx))
	}
	return errors.Join(errs...)
}

func cacheConfig(c pipeline.CacheConfig) *cache.CacheConfig {
	cc := cache.DefaultCacheConfig()
	cc.MemoryCapacity = int64(c.MemoryCapacityMB) << 20
	cc.CleanupInterval = c.CleanupInterval
	if c.Dir != "" {
		dir, err := homedir.Expand(c.Dir)
		if err != nil {
			dir = c.Dir
		}
		cc.DiskPath = dir
		cc.DiskCapacity = int64(c.DiskCapacityMB) << 20
	}
	return cc
}
