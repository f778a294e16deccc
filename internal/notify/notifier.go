// Package notify delivers user trade notifications over Telegram and
// operator alerts over every configured channel. Delivery is best effort:
// failures are logged and never propagate into trading decisions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// Sender is one operator channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string // used in logs and joined errors
}

// ChatSender posts to an arbitrary chat id. TelegramBot implements it.
type ChatSender interface {
	SendTo(ctx context.Context, chatID, title, body string) error
}

const sendTimeout = 10 * time.Second

// Notifier fans user messages out to their chat and operator alerts to the
// operator senders. Only events in the allowed set are delivered to users;
// alerts always go out.
type Notifier struct {
	chat    ChatSender
	senders []Sender
	alerts  domain.AlertStore
	events  map[string]bool
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewNotifier creates a Notifier. chat and alerts may be nil. If events is
// empty, all event types are allowed.
func NewNotifier(chat ChatSender, senders []Sender, alerts domain.AlertStore, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		chat:    chat,
		senders: senders,
		alerts:  alerts,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Allowed reports whether event passes the configured filter.
func (n *Notifier) Allowed(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// User sends msg to the user's chat in the background. Disabled targets and
// filtered events are dropped silently.
func (n *Notifier) User(ctx context.Context, target domain.NotificationTarget, event string, msg Message) {
	if n == nil || n.chat == nil || !target.Enabled || target.ChatID == "" {
		return
	}
	if !n.Allowed(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		if err := n.chat.SendTo(sendCtx, target.ChatID, msg.Title, msg.Body()); err != nil {
			n.logger.WarnContext(ctx, "user notification failed",
				slog.String("event", event),
				slog.String("chat_id", target.ChatID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Alert records alert in the audit store and forwards it to every operator
// sender. It returns only after all channels have been attempted.
func (n *Notifier) Alert(ctx context.Context, alert domain.Alert) {
	if n == nil {
		return
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	n.logger.WarnContext(ctx, "operator alert",
		slog.String("severity", string(alert.Severity)),
		slog.String("component", alert.Component),
		slog.String("message", alert.Message),
	)

	if n.alerts != nil {
		if err := n.alerts.Insert(ctx, alert); err != nil {
			n.logger.ErrorContext(ctx, "alert audit insert failed", slog.String("error", err.Error()))
		}
	}

	title := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Component)
	if err := n.dispatch(ctx, title, formatAlert(alert)); err != nil {
		n.logger.ErrorContext(ctx, "alert dispatch failed", slog.String("error", err.Error()))
	}
}

// NotifyAll sends a notification to all operator senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// Wait blocks until background user sends have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// dispatch posts to every sender concurrently. One sender failing does not
// stop the others; all failures are joined.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	errs := make([]error, len(n.senders))
	var wg sync.WaitGroup
	for i, s := range n.senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Send(ctx, title, message); err != nil {
				n.logger.ErrorContext(ctx, "sender failed",
					slog.String("sender", s.Name()),
					slog.String("error", err.Error()),
				)
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
				return
			}
			n.logger.DebugContext(ctx, "notification sent", slog.String("sender", s.Name()), slog.String("title", title))
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func formatAlert(a domain.Alert) string {
	msg := NewMessage(a.Component).With("message", a.Message)
	keys := make([]string, 0, len(a.Detail))
	for k := range a.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		msg = msg.With(k, fmt.Sprint(a.Detail[k]))
	}
	return msg.Body()
}
