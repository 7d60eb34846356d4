package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cybertec-postgresql/kvsync/internal/config"
	"github.com/cybertec-postgresql/kvsync/internal/db"
	"github.com/cybertec-postgresql/kvsync/internal/deadletter"
	"github.com/cybertec-postgresql/kvsync/internal/etcd"
	"github.com/cybertec-postgresql/kvsync/internal/mapping"
	"github.com/cybertec-postgresql/kvsync/internal/metrics"
	"github.com/cybertec-postgresql/kvsync/internal/retry"
	"github.com/cybertec-postgresql/kvsync/internal/server"
	"github.com/cybertec-postgresql/kvsync/internal/source"
	"github.com/cybertec-postgresql/kvsync/internal/sync"
	"github.com/cybertec-postgresql/kvsync/internal/writer"
)

// App is a wired kvsync process
type App struct {
	file     *config.File
	svc      *sync.Service
	gatherer prometheus.Gatherer
	closers  []func() error // run in reverse order
}

// Open loads the connector file and connects the backing store, the dead-letter
// store and the change source. Everything opened so far is closed on failure.
func Open(ctx context.Context, opts *Config) (*App, error) {
	file, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app := &App{file: file, gatherer: reg}
	if err := app.open(ctx, opts, sync.Shared{Metrics: metrics.New(reg)}); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) open(ctx context.Context, opts *Config, shared sync.Shared) (err error) {
	if err = a.openStore(ctx, opts, &shared); err != nil {
		return err
	}
	if shared.OpenSource, err = a.openSource(ctx, opts, shared); err != nil {
		return err
	}
	if a.svc, err = sync.BuildService(ctx, a.file, shared); err != nil {
		return err
	}
	a.closers = append(a.closers, a.svc.Close)
	return nil
}

func (a *App) openStore(ctx context.Context, opts *Config, shared *sync.Shared) error {
	wopts := writer.Options{Locks: writer.NewKeyLocks(), Retry: a.file.Store.Retry}
	switch a.file.Store.Kind {
	case config.StorePostgres:
		if opts.PostgresDSN == "" {
			return errors.New("a postgres backing store requires --postgres-dsn")
		}
		pool, err := db.NewWithRetry(ctx, opts.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := db.ApplyMigrations(ctx, pool); err != nil {
			return err
		}
		shared.Writer = writer.NewPostgres(pool, wopts)
		if a.file.DeadLetter.Kind == config.DeadLetterPostgres {
			shared.DeadLetters = deadletter.NewPostgres(pool)
		}
	case config.StoreSQLite:
		if opts.SQLitePath == "" {
			return errors.New("a sqlite backing store requires --sqlite-path")
		}
		conn, err := writer.OpenSQLite(opts.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, conn.Close)
		shared.Writer = writer.NewSQLite(conn, wopts)
	}
	if shared.DeadLetters == nil {
		logrus.Warn("Dead letters are kept in memory and lost on restart")
		shared.DeadLetters = deadletter.NewMemory()
	}
	logrus.WithFields(logrus.Fields{
		"store":       a.file.Store.Kind,
		"dead_letter": a.file.DeadLetter.Kind,
	}).Info("Backing store ready")
	return nil
}

func (a *App) openSource(ctx context.Context, opts *Config, shared sync.Shared) (sync.SourceFactory, error) {
	switch a.file.Source.Kind {
	case config.SourceRedis:
		ropts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(ropts)
		a.closers = append(a.closers, client.Close)
		err = retry.WithOperation(ctx, retry.SourceDefaults(), func() error {
			return client.Ping(ctx).Err()
		}, "redis connect")
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return func(ctx context.Context, name string, _ *mapping.Mapping) (source.Source, error) {
			return source.NewRedis(ctx, client, source.RedisConfig{
				Name:     name,
				Group:    a.file.Source.Group,
				Consumer: opts.Consumer,
				Discard:  shared.Discard(name),
			})
		}, nil
	case config.SourceEtcd:
		if opts.EtcdDSN == "" {
			return nil, errors.New("an etcd change source requires --etcd-dsn")
		}
		client, err := etcd.NewClientWithRetry(ctx, opts.EtcdDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return func(_ context.Context, name string, m *mapping.Mapping) (source.Source, error) {
			return source.NewEtcd(client, source.EtcdConfig{
				Name:             name,
				Prefix:           m.KeysPrefix,
				CheckpointPrefix: a.file.Source.CheckpointPrefix,
			})
		}, nil
	default:
		logrus.Warn("Using the in-memory change source, nothing will be received from outside the process")
		return func(context.Context, string, *mapping.Mapping) (source.Source, error) {
			return source.NewMemory(), nil
		}, nil
	}
}

// Run runs every connector and, when addr is set, the admin endpoints until ctx is done
func (a *App) Run(ctx context.Context, addr string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.svc.Run(gctx) })
	if addr != "" {
		g.Go(func() error {
			return server.Serve(gctx, addr, server.NewRouter(a.svc, a.gatherer))
		})
	}
	return g.Wait()
}

// DeadLetters runs the dead-letters command and prints its JSON result to out
func (a *App) DeadLetters(ctx context.Context, cmd DeadLettersCommand, out io.Writer) error {
	limit := cmd.Limit
	if limit <= 0 {
		limit = server.DefaultLimit
	}
	var result any
	if cmd.Replay {
		res, err := a.svc.Replay(ctx, cmd.Args.Connector, limit)
		if err != nil {
			return err
		}
		result = res
	} else {
		records, err := a.svc.DeadLetters(ctx, cmd.Args.Connector, limit, cmd.All)
		if err != nil {
			return err
		}
		if records == nil {
			records = []deadletter.Record{}
		}
		result = records
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// Close releases connections in reverse order of opening
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logrus.WithError(err).Warn("Failed to close resource")
		}
	}
	a.closers = nil
}
