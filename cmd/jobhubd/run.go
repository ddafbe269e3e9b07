package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/UniQw/jobhub"
	"github.com/UniQw/jobhub/httpapi"
	"github.com/UniQw/jobhub/internal/config"
	"github.com/UniQw/jobhub/internal/shutdown"
	"github.com/UniQw/jobhub/jobtypes"
	"go.uber.org/zap"
)

var version = "dev"

func newLogger(cfg config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc.Level = lvl
	return zc.Build()
}

// simulatedDeps backs the built-in job types with in-memory collaborators.
func simulatedDeps() jobtypes.Deps {
	cases := jobtypes.NewMemoryCases()
	cases.Delay = 50 * time.Millisecond
	now := time.Now()
	var objs []jobtypes.StoredObject
	for i := 0; i < 200; i++ {
		objs = append(objs, jobtypes.StoredObject{
			Key:     fmt.Sprintf("uploads/tmp-%03d", i),
			Size:    int64(4096 * (i + 1)),
			ModTime: now.AddDate(0, 0, -i),
		})
	}
	return jobtypes.Deps{
		Assigner: cases,
		Cleaner:  jobtypes.NewMemoryObjects(objs...),
		Exporter: &jobtypes.MemoryExporter{
			Rows:  map[string]int{"case:demo": 10000, "user:demo": 2500},
			Delay: 20 * time.Millisecond,
		},
		Analyzer: &jobtypes.KeywordAnalyzer{Docs: map[string]string{
			"doc-1": "Thanks for the quick reply, the matter is resolved.",
			"doc-2": "Urgent complaint from Acme about a late filing.",
		}},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	zl, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	log := jobhub.NewZapLogger(zl)
	defer func() { _ = log.Sync() }()

	sd := shutdown.New(cfg.ShutdownTimeout, log)

	tp, err := initTracing(ctx, cfg.Tracing, version)
	if err != nil {
		return err
	}
	sd.Register("tracing", tp.Shutdown)

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	sd.Register("store", func(context.Context) error { return closeStore() })

	mux := jobhub.NewMux()
	if cfg.Jobs.Simulate {
		types := jobtypes.Register(mux, simulatedDeps())
		log.Infof("simulated job types registered: types=%v", types)
	}

	srv := jobhub.NewServer(store, cfg.Server(log), mux)
	if err := srv.Start(ctx); err != nil {
		_ = sd.Shutdown()
		return fmt.Errorf("start server: %w", err)
	}
	sd.Register("jobs", srv.Stop)

	api := httpapi.New(srv, httpapi.Options{
		Logger:      log,
		SubmitRate:  cfg.HTTP.SubmitRate,
		SubmitBurst: cfg.HTTP.SubmitBurst,
	})
	hs := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	sd.Register("http", shutdown.StopHTTPServer(hs))

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("listening: addr=%s store=%s workers=%d", cfg.HTTP.Addr, cfg.Store.Driver, cfg.Workers.Count)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	err = sd.Wait(waitCtx)
	select {
	case serr := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", serr), err)
	default:
		return err
	}
}
