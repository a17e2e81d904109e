// Package notifier implements the gateway's external notifier collaborator:
// a minimal in-process dispatcher for credential_disabled, credential_banned,
// quota_exceeded, and rate_limit_exceeded events. Email/webhook/DingTalk
// transport bodies are domain-specific templating and out of scope here;
// callers needing richer delivery register their own Channel.
package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Channel delivers one notification to an external system.
type Channel interface {
	Send(ctx context.Context, eventType string, payload map[string]interface{}) error
}

// Notifier fans an event out to every registered Channel, logging (not
// failing) individual channel errors so one broken channel never blocks
// another, matching the RuleEngine's own containment policy for actions.
type Notifier struct {
	mu       sync.RWMutex
	channels []Channel
}

// New creates a Notifier with the given channels. With none, Notify is a
// structured-log-only no-op via the default LogChannel.
func New(channels ...Channel) *Notifier {
	if len(channels) == 0 {
		channels = []Channel{LogChannel{}}
	}
	return &Notifier{channels: channels}
}

// Register adds a channel at runtime (e.g. an admin-configured webhook).
func (n *Notifier) Register(c Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, c)
}

// Notify implements rules.Notifier.
func (n *Notifier) Notify(ctx context.Context, eventType string, payload map[string]interface{}) error {
	n.mu.RLock()
	channels := make([]Channel, len(n.channels))
	copy(channels, n.channels)
	n.mu.RUnlock()

	for _, ch := range channels {
		if err := ch.Send(ctx, eventType, payload); err != nil {
			slog.Error("notifier: channel delivery failed", "event_type", eventType, "error", err)
		}
	}
	return nil
}

// LogChannel delivers notifications as structured log lines. It is the
// default channel so alerts are never silently dropped even with no
// external transport configured.
type LogChannel struct{}

// Send implements Channel.
func (LogChannel) Send(_ context.Context, eventType string, payload map[string]interface{}) error {
	slog.Warn("notifier: event", "event_type", eventType, "payload", payload, "at", time.Now().Format(time.RFC3339))
	return nil
}

// WebhookChannel posts the event as a JSON body to a configured URL. The
// caller supplies an http.Client-compatible poster; kept as a thin seam so
// tests can substitute a fake without standing up a real server.
type WebhookChannel struct {
	URL    string
	Poster func(ctx context.Context, url string, payload map[string]interface{}) error
}

// Send implements Channel.
func (w WebhookChannel) Send(ctx context.Context, eventType string, payload map[string]interface{}) error {
	envelope := map[string]interface{}{
		"event_type": eventType,
		"payload":    payload,
		"sent_at":    time.Now().Format(time.RFC3339),
	}
	return w.Poster(ctx, w.URL, envelope)
}
