package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"briefmatch/internal/config"
	"briefmatch/internal/logger"
)

// Notification types sent by the engine.
const (
	TypeInvitationReceived = "invitation.received"
	TypeInvitationAccepted = "invitation.accepted"
	TypeInvitationDeclined = "invitation.declined"
	TypeBriefNeedsReview   = "brief.needs_review"
	TypeBriefAllocated     = "brief.allocated"
)

type Notification struct {
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	RelatedID string `json:"related_id,omitempty"`
	BriefID   string `json:"brief_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Notifier delivers notifications. Delivery is best effort: callers log failures
// and never roll back the state change that produced the notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, target := range m {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger.WithFields(l.Log).Info("notification",
		zap.String("type", n.Type),
		zap.String("user_id", n.UserID),
		zap.String("related_id", n.RelatedID),
		zap.String("title", n.Title),
	)
	return nil
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// FromConfig assembles the notifiers enabled in cfg. The returned close function
// releases any connections held by them.
func FromConfig(ctx context.Context, cfg *config.Config, log *zap.Logger) (Notifier, func() error, error) {
	closeFn := func() error { return nil }
	if cfg == nil {
		return Nop{}, closeFn, nil
	}
	var out Multi
	if cfg.Notifications.Log {
		out = append(out, LogNotifier{Log: logger.WithFields(log, zap.String("component", "notify"))})
	}
	if len(cfg.Notifications.Webhooks) > 0 {
		out = append(out, NewWebhookNotifier(cfg.Notifications.Webhooks))
	}
	if cfg.Notifications.Redis.Addr != "" {
		rn, err := NewRedisNotifier(ctx, cfg.Notifications.Redis)
		if err != nil {
			return nil, closeFn, err
		}
		out = append(out, rn)
		closeFn = rn.Close
	}
	if len(out) == 0 {
		return Nop{}, closeFn, nil
	}
	return out, closeFn, nil
}
