package audit

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"cooperp.org/internal/ids"
	"cooperp.org/internal/obs"
)

// Sink persists or forwards an event. Implementations must be safe for
// concurrent use.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Write(ctx context.Context, e Event) error { return f(ctx, e) }

// Recorder fans events out to audit and security sinks. Sink failures are
// logged and never surface to the caller.
type Recorder struct {
	audit    []Sink
	security []Sink
	now      func() time.Time
}

type Option func(*Recorder)

// WithAuditSinks adds sinks that receive business events.
func WithAuditSinks(sinks ...Sink) Option {
	return func(r *Recorder) { r.audit = append(r.audit, sinks...) }
}

// WithSecuritySinks adds sinks that receive security events.
func WithSecuritySinks(sinks ...Sink) Option {
	return func(r *Recorder) { r.security = append(r.security, sinks...) }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Audit records a business event.
func (r *Recorder) Audit(ctx context.Context, eventType string, fields map[string]any) {
	if r == nil {
		return
	}
	r.emit(ctx, CategoryAudit, eventType, fields, r.audit)
}

// Security records a security event on the dedicated security sinks.
func (r *Recorder) Security(ctx context.Context, eventType string, fields map[string]any) {
	if r == nil {
		return
	}
	r.emit(ctx, CategorySecurity, eventType, fields, r.security)
}

func (r *Recorder) emit(ctx context.Context, cat Category, eventType string, fields map[string]any, sinks []Sink) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" || len(sinks) == 0 {
		return
	}
	e := r.build(ctx, cat, eventType, fields)
	for _, s := range sinks {
		if err := s.Write(ctx, e); err != nil {
			obs.Logger().WithFields(logrus.Fields{
				"event_type": e.Type,
				"category":   string(e.Category),
				"error":      err.Error(),
			}).Error("audit sink write failed")
		}
	}
}

func (r *Recorder) build(ctx context.Context, cat Category, eventType string, fields map[string]any) Event {
	meta := RequestFrom(ctx)
	who := actorFrom(ctx)
	e := Event{
		ID:         ids.New(),
		Category:   cat,
		Type:       eventType,
		TenantID:   who.tenantID,
		UserID:     who.userID,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		RequestID:  meta.RequestID,
		OccurredAt: r.now().UTC(),
		Fields:     Redact(fields),
	}
	// fields fill ids the context lacks, e.g. a failed login has no authenticated user
	if v, ok := e.Fields["user_id"].(string); ok && v != "" && e.UserID == "" {
		e.UserID = v
	}
	if v, ok := e.Fields["tenant_id"].(string); ok && v != "" && e.TenantID == "" {
		e.TenantID = v
	}
	return e
}
