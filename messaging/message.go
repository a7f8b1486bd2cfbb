// Package messaging carries fire-and-forget messages between the application and the engine.
// Delivery is at most once and unordered; neither side may rely on it.
package messaging

import (
	"context"
	"log/slog"
)

// Message types.
const (
	TypeSkipWaiting        = "SKIP_WAITING"
	TypeShowNotification   = "SHOW_NOTIFICATION"
	TypeNotificationAction = "NOTIFICATION_ACTION"
	TypeControllerChanged  = "CONTROLLER_CHANGED"
)

// Message is the single envelope used in both directions.
type Message struct {
	Type    string               `json:"type"`
	Title   string               `json:"title,omitempty"`
	Options *NotificationOptions `json:"options,omitempty"`
	Action  string               `json:"action,omitempty"`
	Data    map[string]any       `json:"data,omitempty"`
}

// NotificationOptions mirrors the subset of notification options the application sends.
type NotificationOptions struct {
	Body               string               `json:"body,omitempty"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Tag                string               `json:"tag,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction,omitempty"`
	Data               map[string]any       `json:"data,omitempty"`
	Actions            []NotificationAction `json:"actions,omitempty"`
}

// NotificationAction is a button offered on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notifier shows a notification to the user.
type Notifier interface {
	Notify(ctx context.Context, title string, options NotificationOptions) error
}

// LogNotifier writes notifications to the log instead of a desktop surface.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, title string, options NotificationOptions) error {
	slog.Info("Notification", slog.String("title", title), slog.String("body", options.Body), slog.String("tag", options.Tag))
	return nil
}
