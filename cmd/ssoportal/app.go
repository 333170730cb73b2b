package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"ssoportal.id/internal/access"
	"ssoportal.id/internal/audit"
	"ssoportal.id/internal/auth"
	"ssoportal.id/internal/config"
	"ssoportal.id/internal/httpapi"
	"ssoportal.id/internal/obs"
	"ssoportal.id/internal/proxy"
	"ssoportal.id/internal/session"
	"ssoportal.id/internal/store/pg"
	"ssoportal.id/internal/store/redisstore"
)

// stores is the persistence chosen by configuration.
type stores struct {
	users    auth.UserStore
	roles    auth.RoleSource
	audit    audit.Store
	sessions session.Store
	ready    []httpapi.Pinger
	closers  []io.Closer
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	out := &stores{}
	if cfg.DB.DSN != "" {
		db, err := pg.Open(cfg.DB.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		}, pg.WithQueryTimeout(cfg.Store.QueryTimeout))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		out.closers = append(out.closers, db)
		out.ready = append(out.ready, db)
		if cfg.DB.BootstrapSchema {
			if err := db.Bootstrap(ctx); err != nil {
				out.Close()
				return nil, fmt.Errorf("bootstrap schema: %w", err)
			}
		}
		out.users, out.roles, out.audit = db, db, db.Audit()
		if cfg.Session.Store == "postgres" {
			out.sessions = db.Sessions()
		}
	} else {
		if cfg.Session.Store == "postgres" {
			return nil, errors.New("session.store is postgres but db.dsn is empty")
		}
		obs.L().Warn("no database configured, users and audit entries are kept in memory")
		mem := auth.NewMemoryStore()
		out.users, out.roles, out.audit = mem, mem, audit.NewMemoryStore()
	}

	switch cfg.Session.Store {
	case "redis":
		client := rdb.NewClient(&rdb.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		rs := redisstore.New(client, cfg.Redis.Prefix, cfg.Store.QueryTimeout)
		out.closers = append(out.closers, client)
		out.ready = append(out.ready, rs)
		out.sessions = rs
	case "memory":
		out.sessions = session.NewMemoryStore()
	}
	return out, nil
}

// provisionIfEmpty seeds the built-in roles on a fresh role store only, so
// operator edits survive restarts.
func provisionIfEmpty(ctx context.Context, roles auth.RoleSource, catalog *auth.CachedCatalog) error {
	existing, err := roles.ListRoles(ctx)
	if err != nil {
		return fmt.Errorf("list roles: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	obs.L().Info("provisioning built-in roles")
	return catalog.Provision(ctx)
}

func buildAPI(ctx context.Context, cfg config.Config, st *stores) (*httpapi.API, error) {
	catalog, err := auth.NewCachedCatalog(st.roles, cfg.Auth.RoleCacheTTL)
	if err != nil {
		return nil, err
	}
	if err := provisionIfEmpty(ctx, st.roles, catalog); err != nil {
		return nil, err
	}
	dir, err := auth.NewDirectory(st.users, catalog)
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}
	rec, err := audit.NewRecorder(st.audit)
	if err != nil {
		return nil, err
	}
	mgr, err := session.NewManager(st.sessions,
		session.WithLifetime(cfg.SessionLifetime()),
		session.WithExtension(cfg.SessionExtension()))
	if err != nil {
		return nil, err
	}
	gate, err := access.NewGate(rec, mgr, dir)
	if err != nil {
		return nil, err
	}

	endpoints := make(map[string]proxy.Endpoint, len(cfg.Services))
	urls := make(map[string]string, len(cfg.Services))
	for name, svc := range cfg.Services {
		endpoints[name] = proxy.Endpoint{BaseURL: svc.BaseURL, Timeout: svc.Timeout}
		urls[name] = svc.BaseURL
		if svc.BaseURL == "" {
			obs.L().Warn("downstream service has no base_url", zap.String("service", name))
		}
	}
	caller, err := proxy.NewHTTPCaller(endpoints, &http.Client{Transport: http.DefaultTransport})
	if err != nil {
		return nil, err
	}
	adapter, err := proxy.NewAdapter(caller, rec)
	if err != nil {
		return nil, err
	}

	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}

	return httpapi.New(httpapi.Deps{
		Directory:   dir,
		Tokens:      tokens,
		Sessions:    mgr,
		Gate:        gate,
		Proxy:       adapter,
		Operations:  proxy.DefaultCatalog(),
		Audit:       rec,
		ServiceURLs: urls,
		Ready:       httpapi.ReadyProbe{Checks: st.ready},
		Version:     cfg.App.Version,
	}, httpapi.Options{
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RateBurst:      cfg.Server.RateBurst,
		RatePerSec:     cfg.Server.RatePerSec,
		AllowedOrigins: cfg.Server.CORSAllowedOrigins,
		TrustedProxies: trusted,
	})
}

func serve(ctx context.Context, cfg config.Config) error {
	log := obs.L()
	obs.Init()
	obs.InitBuildInfo(cfg.App.Version, commit)

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	api, err := buildAPI(ctx, cfg, st)
	if err != nil {
		return err
	}
	reaper, err := session.NewReaper(st.sessions, cfg.Session.ReapSchedule, cfg.Session.Retention)
	if err != nil {
		return fmt.Errorf("session reaper: %w", err)
	}
	health := httpapi.NewHealthServer(httpapi.ReadyProbe{Checks: st.ready})
	grpcSrv := httpapi.NewGRPCServer(health)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", cfg.App.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		log.Info("grpc listening", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return health.Run(gctx, 10*time.Second)
	})
	g.Go(func() error {
		if err := reaper.Start(); err != nil {
			return fmt.Errorf("session reaper: %w", err)
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		reaper.Stop(stopCtx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("stopped")
	return err
}

func reap(ctx context.Context, cfg config.Config) (int64, error) {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	reaper, err := session.NewReaper(st.sessions, cfg.Session.ReapSchedule, cfg.Session.Retention)
	if err != nil {
		return 0, err
	}
	return reaper.RunOnce(ctx)
}

func provision(ctx context.Context, cfg config.Config) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	catalog, err := auth.NewCachedCatalog(st.roles, cfg.Auth.RoleCacheTTL)
	if err != nil {
		return err
	}
	if err := catalog.Provision(ctx); err != nil {
		return err
	}
	obs.L().Info("built-in roles provisioned", zap.Int("roles", len(auth.BuiltinRoles)))
	return nil
}

func migrate(ctx context.Context, cfg config.Config) error {
	if cfg.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	db, err := pg.Open(cfg.DB.DSN, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1}, pg.WithQueryTimeout(time.Minute))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Bootstrap(ctx); err != nil {
		return err
	}
	obs.L().Info("schema applied")
	return nil
}
