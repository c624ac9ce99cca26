// Command iam-svc is the reference service for the plutus-security
// pipeline. It serves the tenant administration API behind the bearer
// token middleware, plus /healthz, /readyz and /metrics.
//
// Configuration comes from IAM_* environment variables, an optional .env
// file and the YAML or JSON file named by IAM_CONFIG_FILE. At minimum:
//
//	IAM_OIDC_ISSUER=https://idp.example.com/ \
//	IAM_OIDC_AUDIENCE=api://plutus \
//	IAM_CONFIG_SERVICE_URL=https://config.example.com \
//	go run ./cmd/iam-svc
//
// SIGHUP reloads the policy bundle. SIGINT and SIGTERM shut down
// gracefully.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/StricklySoft/plutus-security/pkg/clients/minio"
	"github.com/StricklySoft/plutus-security/pkg/clients/postgres"
	"github.com/StricklySoft/plutus-security/pkg/clients/redis"
	"github.com/StricklySoft/plutus-security/pkg/fetch"
	"github.com/StricklySoft/plutus-security/pkg/lifecycle"
	"github.com/StricklySoft/plutus-security/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "iam-svc: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(os.LookupEnv)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stdout, &cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	b, closers, err := openBackends(ctx, &cfg, m)
	if err != nil {
		return err
	}
	b.gatherer = reg

	a, err := newApp(&cfg, b, logger, closers...)
	if err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	reloads := make(chan struct{})
	go func() {
		for range hup {
			select {
			case reloads <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return a.serve(ctx, newServer(&cfg, a.router), reloads)
}

// openBackends dials the stores the configuration enables. Each one is
// closed by a lifecycle stop hook and probed by /readyz. On error the
// stores already opened are closed.
func openBackends(ctx context.Context, cfg *Config, m *metrics.Metrics) (b backends, stops []lifecycle.Option, err error) {
	b = backends{
		fetcher: fetch.New(fetch.WithObserver(m)),
		metrics: m,
		checks:  map[string]lifecycle.Probe{},
	}
	var closers []lifecycle.Hook
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i](context.Background())
			}
			return
		}
		for _, c := range closers {
			stops = append(stops, lifecycle.OnStop(c))
		}
	}()

	if cfg.TenantSource == TenantSourcePostgres {
		db, err := postgres.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return b, nil, err
		}
		b.db = db
		b.checks["postgres"] = db.Health
		closers = append(closers, func(context.Context) error {
			db.Close()
			return nil
		})
	}

	if cfg.Redis.Enabled {
		rdb, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return b, nil, err
		}
		b.kv = rdb
		b.checks["redis"] = rdb.Health
		closers = append(closers, func(context.Context) error { return rdb.Close() })
	}

	if cfg.Policy.Bucket != "" {
		store, err := minio.NewClient(ctx, cfg.Minio)
		if err != nil {
			return b, nil, err
		}
		b.objects = store
		b.checks["minio"] = store.Health
	}

	return b, nil, nil
}

func newLogger(w io.Writer, cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.Level()})).
		With(slog.String("service", serviceName), slog.String("version", version))
}
