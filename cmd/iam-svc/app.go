package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/StricklySoft/plutus-security/internal/admin"
	"github.com/StricklySoft/plutus-security/pkg/auth"
	"github.com/StricklySoft/plutus-security/pkg/cache"
	"github.com/StricklySoft/plutus-security/pkg/claims"
	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
	"github.com/StricklySoft/plutus-security/pkg/fetch"
	"github.com/StricklySoft/plutus-security/pkg/lifecycle"
	"github.com/StricklySoft/plutus-security/pkg/metrics"
	"github.com/StricklySoft/plutus-security/pkg/oidc"
	"github.com/StricklySoft/plutus-security/pkg/policy"
	"github.com/StricklySoft/plutus-security/pkg/tenant"
)

const serviceName = "iam-svc"

// version is overridden at link time.
var version = "dev"

//go:embed policies/decision-matrix.json
var defaultBundle []byte

// objectStore is the policy bucket. *minio.Client satisfies it.
type objectStore interface {
	policy.ObjectReader
	policy.ObjectWriter
}

// backends are the dependencies opened before the app is built. Nil
// stores are disabled.
type backends struct {
	fetcher  fetch.Fetcher
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	kv      tenant.KV
	db      tenant.Querier
	objects objectStore

	// checks are probed by /readyz.
	checks map[string]lifecycle.Probe
}

type app struct {
	cfg       *Config
	logger    *slog.Logger
	engine    *policy.Engine
	tenants   *tenant.Resolver
	shared    *tenant.SharedCache
	auth      *auth.Middleware
	admin     *admin.Service
	lifecycle *lifecycle.Service
	router    chi.Router
}

// newApp wires the pipeline. Nothing is fetched until the lifecycle starts
// or a request arrives. extra options are appended to the lifecycle, so
// their stop hooks run before the ones registered here.
func newApp(cfg *Config, b backends, logger *slog.Logger, extra ...lifecycle.Option) (*app, error) {
	if b.fetcher == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "iam-svc: a fetcher is required")
	}
	a := &app{cfg: cfg, logger: logger}

	var cacheObserver cache.Observer
	var authOpts []auth.Option
	if b.metrics != nil {
		cacheObserver = b.metrics
		authOpts = append(authOpts, auth.WithRecorder(b.metrics))
	}

	oidcOpts := []oidc.Option{oidc.WithSingleFlight(), oidc.WithLogger(logger)}
	tenantOpts := []tenant.Option{
		tenant.WithSingleFlight(),
		tenant.WithLogger(logger),
		tenant.WithTTL(cfg.TenantCacheTTL),
	}
	if cacheObserver != nil {
		oidcOpts = append(oidcOpts, oidc.WithCacheObserver(cacheObserver))
		tenantOpts = append(tenantOpts, tenant.WithCacheObserver(cacheObserver))
	}

	resolver, err := oidc.NewResolver(b.fetcher, append(oidcOpts, oidc.WithTTL(cfg.OIDC.DiscoveryTTL))...)
	if err != nil {
		return nil, err
	}
	keys, err := oidc.NewKeySetCache(b.fetcher, append(oidcOpts, oidc.WithTTL(cfg.OIDC.KeySetTTL))...)
	if err != nil {
		return nil, err
	}
	validator, err := oidc.NewTokenValidator(resolver, keys)
	if err != nil {
		return nil, err
	}

	var hooks []lifecycle.Option
	var source tenant.Source
	var registry admin.Registry
	switch cfg.TenantSource {
	case TenantSourcePostgres:
		if b.db == nil {
			return nil, sserr.New(sserr.CodeInternalConfiguration, "iam-svc: postgres tenant source without a database")
		}
		dir := tenant.NewDirectory(b.db)
		source, registry = dir, dir
		hooks = append(hooks, lifecycle.OnStart(dir.EnsureSchema))
	default:
		src, err := tenant.NewConfigServiceSource(cfg.ConfigServiceURL, b.fetcher)
		if err != nil {
			return nil, err
		}
		source = src
	}
	if b.kv != nil {
		prefix := cfg.Redis.KeyPrefix
		if prefix == "" {
			prefix = "plutus:"
		}
		a.shared = tenant.NewSharedCache(b.kv, source, cfg.TenantCacheTTL, prefix, logger)
		source = a.shared
	}
	a.tenants, err = tenant.NewResolver(source, tenantOpts...)
	if err != nil {
		return nil, err
	}

	enricher, err := claims.NewEnricher(a.tenants, claims.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	a.engine, err = policy.NewEngine(a.policySource(b.objects),
		policy.WithHotReload(cfg.Policy.HotReload),
		policy.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	if cfg.Policy.Seed && b.objects != nil {
		hooks = append(hooks, lifecycle.OnStart(func(ctx context.Context) error {
			return policy.Publish(ctx, b.objects, cfg.Policy.Bucket, cfg.Policy.Object, defaultBundle)
		}))
	}
	hooks = append(hooks, lifecycle.OnStart(a.engine.Reload))

	a.auth, err = auth.NewMiddleware(validator, enricher, a.engine, auth.Config{
		Expectations: oidc.Expectations{Issuer: cfg.OIDC.Issuer, Audience: cfg.OIDC.Audience},
		Defaults:     claims.Defaults{FallbackTenant: cfg.DefaultTenant, FallbackResidency: cfg.DefaultResidency},
	}, append(authOpts, auth.WithLogger(logger))...)
	if err != nil {
		return nil, err
	}

	adminOpts := []admin.Option{admin.WithLogger(logger), admin.WithInvalidator(a.invalidateTenant)}
	if registry != nil {
		adminOpts = append(adminOpts, admin.WithRegistry(registry))
	}
	a.admin = admin.NewService(adminOpts...)

	opts := append([]lifecycle.Option{lifecycle.WithLogger(logger)}, hooks...)
	a.lifecycle = lifecycle.New(serviceName, version, append(opts, extra...)...)
	for name, probe := range b.checks {
		a.lifecycle.AddCheck(name, probe)
	}

	a.router = a.routes(b.gatherer)
	return a, nil
}

func (a *app) policySource(objects objectStore) policy.Source {
	switch {
	case a.cfg.Policy.Bucket != "" && objects != nil:
		return policy.ObjectSource{Store: objects, Bucket: a.cfg.Policy.Bucket, Object: a.cfg.Policy.Object}
	case a.cfg.Policy.BundlePath != "":
		return policy.FileSource{Path: a.cfg.Policy.BundlePath}
	default:
		return policy.BytesSource{Name: "decision-matrix.json", Data: defaultBundle}
	}
}

// invalidateTenant drops a profile from both cache tiers after onboarding.
func (a *app) invalidateTenant(ctx context.Context, tenantID string) {
	a.tenants.Invalidate(tenantID)
	if a.shared == nil {
		return
	}
	if err := a.shared.Invalidate(ctx, tenantID); err != nil {
		a.logger.WarnContext(ctx, "shared tenant cache invalidation failed",
			slog.String("tenant", tenantID), slog.Any("error", err))
	}
}

func (a *app) routes(gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	if gatherer != nil {
		r.Handle("/metrics", metrics.Handler(gatherer))
	}
	r.Mount(a.cfg.AdminPath(), admin.NewHandler(a.admin, a.auth).Routes())
	return r
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.lifecycle.Live(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *app) readyz(w http.ResponseWriter, r *http.Request) {
	report, err := a.lifecycle.Ready(r.Context())
	status := http.StatusOK
	if err != nil {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		lifecycle.Report
		Policy string `json:"policyVersion,omitempty"`
	}{report, a.engine.Version()})
}

// reload re-reads the policy bundle. The previous bundle stays active on
// failure.
func (a *app) reload(ctx context.Context) {
	before := a.engine.Version()
	if err := a.engine.Reload(ctx); err != nil {
		a.logger.ErrorContext(ctx, "policy reload failed", slog.Any("error", err))
		return
	}
	a.logger.InfoContext(ctx, "policy reloaded",
		slog.String("previous", before), slog.String("version", a.engine.Version()))
}

// serve runs srv until ctx is done, then stops the lifecycle within the
// shutdown timeout. sighup triggers a policy reload.
func (a *app) serve(ctx context.Context, srv *http.Server, sighup <-chan struct{}) error {
	if err := a.lifecycle.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.InfoContext(ctx, "listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-sighup:
			a.reload(ctx)
		case err, ok := <-errCh:
			if ok {
				serveErr = sserr.Wrap(err, sserr.CodeUnavailable, "iam-svc: listener failed")
			}
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.ErrorContext(shutdownCtx, "http shutdown failed", slog.Any("error", err))
	}
	if err := a.lifecycle.Stop(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func newServer(cfg *Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
