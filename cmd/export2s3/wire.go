package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/andresuchdata/export2s3/internal/cache"
	"github.com/andresuchdata/export2s3/internal/config"
	"github.com/andresuchdata/export2s3/internal/drive"
	"github.com/andresuchdata/export2s3/internal/export"
	"github.com/andresuchdata/export2s3/internal/pipeline"
	"github.com/andresuchdata/export2s3/internal/repository/postgres"
	"github.com/andresuchdata/export2s3/internal/secrets"
	"github.com/andresuchdata/export2s3/internal/storage"
	"github.com/andresuchdata/export2s3/internal/transfer"
)

const runtimeKey = "runtime"

type runtime struct {
	cfg     *config.Config
	log     zerolog.Logger
	closers []func() error
}

func runtimeFrom(c *cli.Context) *runtime {
	return c.App.Metadata[runtimeKey].(*runtime)
}

func (rt *runtime) onClose(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Warn().Err(err).Msg("close failed")
		}
	}
	rt.closers = nil
}

func (rt *runtime) exporter(ctx context.Context) (*export.Client, error) {
	if err := rt.cfg.ValidateExport(); err != nil {
		return nil, err
	}

	var lookup config.SecretLookup
	if rt.cfg.Export.APIKeySecretID != "" {
		sm, err := secrets.NewClient(ctx, rt.cfg.Storage.Region, rt.log)
		if err != nil {
			return nil, err
		}
		lookup = sm.Lookup
	}
	key, err := rt.cfg.Export.ResolveAPIKey(ctx, lookup)
	if err != nil {
		return nil, err
	}

	return export.NewClient(export.Config{
		Endpoint:      rt.cfg.Export.Endpoint,
		APIKey:        key,
		PollInterval:  rt.cfg.Export.PollInterval(),
		ExportTimeout: rt.cfg.Export.ExportTimeout(),
		HTTPTimeout:   rt.cfg.Export.HTTPTimeout(),
	}, rt.log)
}

func (rt *runtime) gateway(ctx context.Context) (storage.Gateway, error) {
	s := rt.cfg.Storage
	partSize := int64(s.PartSizeMB) << 20

	switch s.Backend {
	case "minio":
		return storage.NewMinioGateway(storage.MinioConfig{
			Endpoint:  s.Endpoint,
			AccessKey: s.AccessKey,
			SecretKey: s.SecretKey,
			Region:    s.Region,
			UseSSL:    s.UseSSL,
			PartSize:  uint64(partSize),
		}, rt.log)
	case "s3":
		return storage.NewS3Gateway(ctx, storage.S3Config{
			Region:    s.Region,
			Endpoint:  s.Endpoint,
			AccessKey: s.AccessKey,
			SecretKey: s.SecretKey,
			PathStyle: s.PathStyle,
			PartSize:  partSize,
		}, rt.log)
	}
	return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
}

// fetcher downloads plain URLs over HTTP and Drive links through the Drive
// API when credentials are configured.
func (rt *runtime) fetcher(ctx context.Context) (transfer.Fetcher, error) {
	router := transfer.NewHostRouter(transfer.NewHTTPFetcher(&http.Client{}))

	if creds := rt.cfg.Export.DriveCredentialsJSON; creds != "" {
		svc, err := drive.NewService(ctx, creds)
		if err != nil {
			return nil, err
		}
		router.Handle(svc, drive.Hosts...)
	}
	return router, nil
}

// runStore opens the run history database. It returns nil when no database
// is configured.
func (rt *runtime) runStore(ctx context.Context) (*postgres.RunRepository, error) {
	if rt.cfg.Database.URL == "" {
		return nil, nil
	}
	db, err := postgres.NewDB(ctx, rt.cfg.Database, rt.log)
	if err != nil {
		return nil, err
	}
	rt.onClose(db.Close)

	if err := db.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return postgres.NewRunRepository(db), nil
}

func (rt *runtime) resultCache(ctx context.Context) (cache.ResultCache, error) {
	rc, err := cache.NewResultCache(ctx, rt.cfg.Cache)
	if err != nil {
		return nil, err
	}
	rt.onClose(rc.Close)
	return rc, nil
}

// orchestrator wires the transfer stage and, when withExport is set, the
// export client.
func (rt *runtime) orchestrator(ctx context.Context, withExport bool) (*pipeline.Orchestrator, error) {
	if err := rt.cfg.ValidateTransfer(); err != nil {
		return nil, err
	}
	if err := rt.cfg.ValidateStore(); err != nil {
		return nil, err
	}

	var exporter pipeline.Exporter
	if withExport {
		client, err := rt.exporter(ctx)
		if err != nil {
			return nil, err
		}
		exporter = client
	}

	gw, err := rt.gateway(ctx)
	if err != nil {
		return nil, err
	}
	fetcher, err := rt.fetcher(ctx)
	if err != nil {
		return nil, err
	}

	var opts []pipeline.Option
	store, err := rt.runStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		opts = append(opts, pipeline.WithTracker(store))
	}
	rc, err := rt.resultCache(ctx)
	if err != nil {
		return nil, err
	}
	opts = append(opts, pipeline.WithResultCache(rc))

	t := rt.cfg.Transfer
	cleaner := transfer.NewCleaner(gw, t.CleanupAttempts, transfer.DefaultCleanupBackoff, rt.log)
	engine := transfer.NewEngine(gw, fetcher, cleaner, rt.log)

	return pipeline.NewOrchestrator(pipeline.Config{
		TargetBucket:    rt.cfg.Storage.TargetBucket,
		TargetPrefix:    rt.cfg.Storage.TargetPrefix,
		MaxWorkers:      t.MaxWorkers,
		DownloadTimeout: t.DownloadTimeout(),
		SkipIfLoaded:    t.SkipIfLoaded,
	}, exporter, engine, gw, rt.log, opts...), nil
}
