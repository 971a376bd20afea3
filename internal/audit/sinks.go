package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"cooperp.org/internal/obs"
)

// LogSink writes events as structured log lines, tagged with a channel so
// security events can be routed separately by the log shipper.
type LogSink struct {
	Logger  *logrus.Logger
	Channel string
}

func (s LogSink) Write(_ context.Context, e Event) error {
	l := s.Logger
	if l == nil {
		l = obs.Logger()
	}
	entry := l.WithFields(logrus.Fields{
		"channel":     s.Channel,
		"type":        string(e.Category),
		"event":       e.Type,
		"event_id":    e.ID,
		"tenant_id":   e.TenantID,
		"user_id":     e.UserID,
		"ip":          e.IP,
		"user_agent":  e.UserAgent,
		"request_id":  e.RequestID,
		"occurred_at": e.OccurredAt.Format(time.RFC3339Nano),
		"fields":      e.Fields,
	})
	if e.Category == CategorySecurity {
		entry.Warn("security_event")
		return nil
	}
	entry.Info("audit_event")
	return nil
}

// Store appends events to durable storage.
type Store interface {
	AppendAuditEvent(ctx context.Context, e Event) error
}

// StoreSink adapts a Store to Sink.
type StoreSink struct {
	Store Store
}

func (s StoreSink) Write(ctx context.Context, e Event) error {
	if s.Store == nil {
		return nil
	}
	// detach from request cancellation so a closed client does not drop the record
	return s.Store.AppendAuditEvent(context.WithoutCancel(ctx), e)
}
