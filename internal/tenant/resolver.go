package tenant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/obs"
)

// Source names where the tenant identifier was found.
type Source string

const (
	SourceHeader    Source = "header"
	SourceSubdomain Source = "subdomain"
	SourceQuery     Source = "query"
	SourceDefault   Source = "default"
)

const maxIdentifierLen = 64

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidIdentifier reports whether id is syntactically acceptable.
func ValidIdentifier(id string) bool {
	return len(id) <= maxIdentifierLen && identifierPattern.MatchString(id)
}

// Context is the tenant attached to a single request.
type Context struct {
	ID     string
	Slug   string
	Source Source
	// Tenant is set when the resolver checked existence against a Directory.
	Tenant *Tenant
}

type ctxKey struct{}

// WithContext attaches the resolved tenant to ctx.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext returns the tenant resolved for this request.
func FromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

// SecurityRecorder receives security events. *audit.Recorder satisfies it.
type SecurityRecorder interface {
	Security(ctx context.Context, eventType string, fields map[string]any)
}

type ResolverConfig struct {
	Header             string
	QueryParam         string
	Default            string
	ReservedSubdomains []string
	// ExemptPaths skip resolution. An entry ending in "/" matches as a prefix.
	ExemptPaths []string
}

type Resolver struct {
	cfg       ResolverConfig
	reserved  map[string]struct{}
	directory Directory
	recorder  SecurityRecorder
	now       func() time.Time
}

type ResolverOption func(*Resolver)

// WithDirectory enables the existence and activation check.
func WithDirectory(d Directory) ResolverOption {
	return func(r *Resolver) { r.directory = d }
}

func WithRecorder(rec SecurityRecorder) ResolverOption {
	return func(r *Resolver) { r.recorder = rec }
}

func WithClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

func NewResolver(cfg ResolverConfig, opts ...ResolverOption) *Resolver {
	if cfg.Header == "" {
		cfg.Header = "X-Tenant-ID"
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = "tenant"
	}
	r := &Resolver{cfg: cfg, reserved: make(map[string]struct{}), now: time.Now}
	for _, s := range cfg.ReservedSubdomains {
		r.reserved[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Exempt reports whether path skips tenant resolution.
func (r *Resolver) Exempt(path string) bool {
	for _, p := range r.cfg.ExemptPaths {
		if p == path {
			return true
		}
		if strings.HasSuffix(p, "/") && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Resolve picks the tenant identifier for req. The first present source wins:
// header, host subdomain, query parameter, configured default. A present but
// malformed value fails instead of falling through.
func (r *Resolver) Resolve(req *http.Request) (string, Source, error) {
	if v := strings.TrimSpace(req.Header.Get(r.cfg.Header)); v != "" {
		return checked(v, SourceHeader)
	}
	if sub := r.subdomain(req.Host); sub != "" {
		return checked(sub, SourceSubdomain)
	}
	if v := strings.TrimSpace(req.URL.Query().Get(r.cfg.QueryParam)); v != "" {
		return checked(v, SourceQuery)
	}
	if r.cfg.Default != "" {
		return checked(r.cfg.Default, SourceDefault)
	}
	return "", "", fmt.Errorf("%w: no tenant identifier supplied", ErrInvalidIdentifier)
}

func checked(id string, src Source) (string, Source, error) {
	if !ValidIdentifier(id) {
		return id, src, ErrInvalidIdentifier
	}
	return id, src, nil
}

// subdomain returns the leftmost label of hosts with at least three labels.
// IP literals, bare domains and reserved labels yield "".
func (r *Resolver) subdomain(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if _, err := netip.ParseAddr(host); err == nil {
		return ""
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	sub := strings.ToLower(labels[0])
	if _, reserved := r.reserved[sub]; reserved {
		return ""
	}
	return sub
}

// Middleware resolves the tenant and attaches it to the request context.
// Failures are passed to fail, which writes the response.
func (r *Resolver) Middleware(next http.Handler, fail func(http.ResponseWriter, *http.Request, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodOptions || r.Exempt(req.URL.Path) {
			next.ServeHTTP(w, req)
			return
		}
		ctx := req.Context()
		id, src, err := r.Resolve(req)
		if err != nil {
			obs.RecordTenantFailure("invalid_identifier")
			r.security(ctx, audit.EventInvalidTenantID, map[string]any{
				"candidate": id,
				"source":    string(src),
				"path":      req.URL.Path,
			})
			fail(w, req, err)
			return
		}

		tc := Context{ID: id, Slug: id, Source: src}
		if r.directory != nil {
			t, err := r.directory.Lookup(ctx, id)
			switch {
			case errors.Is(err, ErrNotFound):
				obs.RecordTenantFailure("not_found")
				fail(w, req, err)
				return
			case err != nil:
				fail(w, req, err)
				return
			case !t.Usable(r.now()):
				obs.RecordTenantFailure("inactive")
				r.security(ctx, audit.EventTenantAccessDenied, map[string]any{
					"tenant_id":           t.ID,
					"subscription_status": string(t.SubscriptionStatus),
					"path":                req.URL.Path,
				})
				fail(w, req, ErrInactive)
				return
			}
			tc.ID, tc.Slug, tc.Tenant = t.ID, t.Slug, &t
		}

		ctx = WithContext(ctx, tc)
		ctx = audit.WithTenant(ctx, tc.ID)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

func (r *Resolver) security(ctx context.Context, event string, fields map[string]any) {
	if r.recorder != nil {
		r.recorder.Security(ctx, event, fields)
	}
}
