package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/auth"
	"cooperp.org/internal/config"
	"cooperp.org/internal/httpapi"
	"cooperp.org/internal/migrate"
	"cooperp.org/internal/notify"
	"cooperp.org/internal/obs"
	"cooperp.org/internal/ratelimit"
	"cooperp.org/internal/revoke"
	"cooperp.org/internal/store/memory"
	"cooperp.org/internal/store/pg"
	"cooperp.org/internal/tenant"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is what the services need from whichever store is configured.
type backend interface {
	auth.Store
	audit.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	obs.Configure(cfg.Log.Level, cfg.Log.Format)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("cooperp-api stopped")
	}
	log.Info("stopped")
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store backend
		ready httpapi.Readiness
	)
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnLifetime,
		})
		if err != nil {
			return err
		}
		defer pgStore.Close()
		if cfg.Database.AutoMigrate {
			if err := migrate.NewManager(pgStore.DB(), migrate.WithLogger(log)).Up(ctx); err != nil {
				return err
			}
		}
		store, ready.DB = pgStore, pgStore
	} else {
		log.Warn("database.dsn not set; using in-memory store")
		store = memory.New()
	}

	var (
		limiter, authLimiter ratelimit.Limiter
		revoker              auth.Revoker
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		ready.Redis = client

		global, err := ratelimit.NewRedis(client, "rl:global", cfg.Rate.Requests, cfg.Rate.Window)
		if err != nil {
			return err
		}
		strict, err := ratelimit.NewRedis(client, "rl:auth", cfg.Rate.AuthRequests, cfg.Rate.AuthWindow)
		if err != nil {
			return err
		}
		limiter, authLimiter, revoker = global, strict, revoke.NewRedis(client)
	} else {
		limiter = ratelimit.NewLocal(cfg.Rate.PerSecond, cfg.Rate.Burst, cfg.Rate.Window)
		authLimiter = ratelimit.NewLocalWindow(cfg.Rate.AuthRequests, cfg.Rate.AuthWindow)
		revoker = revoke.NewMemory(time.Now)
	}

	sinks := func(channel string) []audit.Sink {
		return []audit.Sink{audit.LogSink{Logger: log, Channel: channel}, audit.StoreSink{Store: store}}
	}
	rec := audit.NewRecorder(
		audit.WithAuditSinks(sinks("audit")...),
		audit.WithSecuritySinks(sinks("security")...),
	)

	dir, err := tenant.NewCachedDirectory(store, cfg.Tenant.CacheTTL)
	if err != nil {
		return err
	}
	defer dir.Close()

	issuer, err := auth.NewTokenIssuer(cfg.Auth.Issuer, cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret, nil)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(store, issuer,
		auth.WithHasher(auth.NewHasher(cfg.Auth.BcryptCost, 0)),
		auth.WithRevoker(revoker),
		auth.WithNotifier(notify.LogNotifier{Logger: log}),
		auth.WithRecorder(rec),
		auth.WithTenantCache(dir),
		auth.WithLockoutPolicy(auth.LockoutPolicy{Threshold: cfg.Lockout.Threshold, Window: cfg.Lockout.Window}),
		auth.WithSessionTTLs(cfg.Auth.AccessTTL, cfg.Auth.RememberMeTTL, cfg.Auth.RefreshTTL),
		auth.WithOneTimeTokenTTLs(cfg.Auth.ResetTokenTTL, cfg.Auth.VerifyTokenTTL),
		auth.WithMFAIssuer(cfg.Auth.MFAIssuer),
	)
	if err != nil {
		return err
	}
	authz := auth.NewAuthorizer(cfg.Auth.OverrideRoles, cfg.Auth.ElevatedRoles, rec,
		auth.WithPlatformTenant(cfg.Auth.PlatformTenant))
	rbac, err := auth.NewRBACService(store, rec, auth.WithReservedRoles(authz.Reserved()...))
	if err != nil {
		return err
	}
	if err := rbac.EnsureBuiltins(ctx); err != nil {
		return err
	}

	resolverOpts := []tenant.ResolverOption{tenant.WithRecorder(rec)}
	if cfg.Tenant.RequireKnown {
		resolverOpts = append(resolverOpts, tenant.WithDirectory(dir))
	}
	resolver := tenant.NewResolver(tenant.ResolverConfig{
		Header:             cfg.Tenant.Header,
		QueryParam:         cfg.Tenant.QueryParam,
		Default:            cfg.Tenant.Default,
		ReservedSubdomains: cfg.Tenant.ReservedSubdomains,
		ExemptPaths:        cfg.Tenant.ExemptPaths,
	}, resolverOpts...)

	api, err := httpapi.New(httpapi.Config{
		Version:        version,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		HardenedErrors: cfg.Server.HardenedErrors,
		CORSOrigins:    cfg.Server.CORSOrigins,
		MFARoles:       cfg.Auth.MFARoles,
	}, httpapi.Deps{
		Auth:        svc,
		RBAC:        rbac,
		Authorizer:  authz,
		Resolver:    resolver,
		Recorder:    rec,
		Limiter:     limiter,
		AuthLimiter: authLimiter,
		Ready:       ready,
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(httpapi.UnaryLogging))
	httpapi.NewGRPCServer(ready).Register(grpcSrv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": httpSrv.Addr, "version": version}).Info("starting cooperp-api")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return err
		}
		log.WithField("addr", cfg.Server.GRPCAddr).Info("starting grpc health")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		obs.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
