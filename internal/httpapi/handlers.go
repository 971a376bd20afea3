// Package httpapi is the REST surface: middleware chain, error envelope,
// auth, tenancy and role/permission endpoints, plus the gRPC health service.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/auth"
	"cooperp.org/internal/obs"
	"cooperp.org/internal/ratelimit"
	"cooperp.org/internal/tenant"
)

const serviceName = "cooperp-api"

// Pinger is satisfied by the SQL store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Readiness checks the database and, when configured, Redis.
type Readiness struct {
	DB    Pinger
	Redis redis.UniversalClient
}

func (rp Readiness) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.Ping(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Config tunes the HTTP layer. Holders of MFARoles must enroll in MFA
// before reaching tenant or graph routes.
type Config struct {
	Version        string
	MaxBodyBytes   int64
	HardenedErrors bool
	CORSOrigins    []string
	MFARoles       []string
}

// Deps are the services behind the handlers. Auth, RBAC, Authorizer and
// Resolver are required.
type Deps struct {
	Auth        *auth.Service
	RBAC        *auth.RBACService
	Authorizer  *auth.Authorizer
	Resolver    *tenant.Resolver
	Recorder    *audit.Recorder
	Limiter     ratelimit.Limiter
	AuthLimiter ratelimit.Limiter
	Ready       Readiness
}

// API is the HTTP layer.
type API struct {
	cfg         Config
	auth        *auth.Service
	rbac        *auth.RBACService
	authz       *auth.Authorizer
	resolver    *tenant.Resolver
	recorder    *audit.Recorder
	limiter     ratelimit.Limiter
	authLimiter ratelimit.Limiter
	readiness   Readiness
	validate    *validator.Validate
	router      chi.Router
}

func New(cfg Config, d Deps) (*API, error) {
	if d.Auth == nil || d.RBAC == nil || d.Authorizer == nil || d.Resolver == nil {
		return nil, errors.New("httpapi: auth, rbac, authorizer and resolver are required")
	}
	rec := d.Recorder
	if rec == nil {
		rec = audit.NewRecorder()
	}
	a := &API{
		cfg:         cfg,
		auth:        d.Auth,
		rbac:        d.RBAC,
		authz:       d.Authorizer,
		resolver:    d.Resolver,
		recorder:    rec,
		limiter:     d.Limiter,
		authLimiter: d.AuthLimiter,
		readiness:   d.Ready,
		validate:    newValidator(),
	}
	a.router = a.routes()
	return a, nil
}

// Handler returns the root handler with the full middleware chain.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		RequestID,
		Recover,
		LoggingJSON,
		obs.Instrument,
		SecurityHeaders,
		CORS(a.cfg.CORSOrigins),
		MaxBodyBytes(a.cfg.MaxBodyBytes),
		a.rateLimit(a.limiter, "global"),
		a.resolveTenant,
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, r, apiError{status: http.StatusNotFound, message: "Route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, r, apiError{status: http.StatusMethodNotAllowed, message: "Method not allowed"})
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", a.authRoutes)
		r.With(a.rateLimit(a.authLimiter, "auth")).Post("/tenants/register", a.handleOnboard)
		r.Group(func(r chi.Router) {
			r.Use(a.authenticate, a.requireEnrollment)
			a.tenantRoutes(r)
			r.With(a.requireFeature(featureUserManagement)).Group(a.graphRoutes)
		})
	})
	return r
}

// resolveTenant adapts the resolver to chi and notes the tenant for the access log.
func (a *API) resolveTenant(next http.Handler) http.Handler {
	noted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tc, ok := tenant.FromContext(r.Context()); ok {
			if s := stateFrom(r.Context()); s != nil {
				s.tenantID = tc.ID
			}
		}
		next.ServeHTTP(w, r)
	})
	return a.resolver.Middleware(noted, a.writeServiceError)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	err := a.readiness.Check(ctx)
	obs.SetReady(err == nil)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}
