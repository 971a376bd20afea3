// Package notify delivers account emails. Delivery itself is out of scope;
// LogNotifier records what would have been sent.
package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"cooperp.org/internal/auth"
)

const (
	KindVerification    = "email_verification"
	KindPasswordReset   = "password_reset"
	KindPasswordChanged = "password_changed"
)

// LogNotifier logs recipient and kind. Tokens are never logged.
type LogNotifier struct {
	Logger *logrus.Logger
}

var _ auth.Notifier = LogNotifier{}

func (n LogNotifier) SendVerificationEmail(ctx context.Context, u auth.User, _ string) error {
	n.log(ctx, u, KindVerification)
	return nil
}

func (n LogNotifier) SendPasswordResetEmail(ctx context.Context, u auth.User, _ string) error {
	n.log(ctx, u, KindPasswordReset)
	return nil
}

func (n LogNotifier) SendPasswordChangedEmail(ctx context.Context, u auth.User) error {
	n.log(ctx, u, KindPasswordChanged)
	return nil
}

func (n LogNotifier) log(ctx context.Context, u auth.User, kind string) {
	logger := n.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithContext(ctx).WithFields(logrus.Fields{
		"kind":      kind,
		"user_id":   u.ID,
		"tenant_id": u.TenantID,
		"to":        u.Email,
	}).Info("notification_queued")
}
