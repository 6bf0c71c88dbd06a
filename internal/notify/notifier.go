// Package notify turns lifecycle events from the signal bus into operator
// alerts. Events are dispatched to every configured sender (Telegram,
// Discord) and can be filtered by event type so operators receive only the
// alerts they care about.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quantfall/liqhunter/internal/domain"
)

// eventsChannel is the signal bus channel the position monitor publishes to.
const eventsChannel = "events"

// Sender is the interface each notification channel implements.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender.
	Name() string
}

// Notifier subscribes to the event channel and forwards formatted alerts to
// its senders. Only events whose type appears in the allowed set are
// forwarded; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	bus     domain.SignalBus
	logger  *slog.Logger
}

// New creates a Notifier delivering to the given senders. Only events whose
// type appears in events are forwarded; an empty slice allows all.
func New(senders []Sender, events []string, bus domain.SignalBus, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		bus:     bus,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Run subscribes to the event channel and dispatches until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	if n.bus == nil || len(n.senders) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ch, err := n.bus.Subscribe(ctx, eventsChannel)
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}

	n.logger.Info("notifier started", slog.Int("senders", len(n.senders)))
	defer n.logger.Info("notifier stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			n.handle(ctx, payload)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, payload []byte) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		n.logger.Debug("undecodable event dropped", slog.String("error", err.Error()))
		return
	}
	event, _ := fields["event"].(string)
	if event == "" {
		return
	}
	if len(n.events) > 0 && !n.events[event] {
		return
	}

	title, message := formatEvent(event, fields)
	if err := n.dispatch(ctx, title, message); err != nil {
		n.logger.Warn("notification delivery incomplete", slog.String("error", err.Error()))
	}
}

// NotifyAll sends a notification to every sender regardless of event type.
// Used for startup and shutdown announcements.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch sends to all senders, collecting individual failures so one bad
// sender does not block the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Error("sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.Debug("notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// formatEvent renders a bus event as a short human-readable alert.
func formatEvent(event string, f map[string]any) (title, message string) {
	switch event {
	case "entry_filled":
		return "Entry filled", fmt.Sprintf("%s %s %s @ %s",
			str(f, "symbol"), str(f, "side"), num(f, "qty"), num(f, "price"))
	case "tranche_closed":
		return "Tranche closed", fmt.Sprintf("%s %s pnl %s (%s)",
			str(f, "symbol"), str(f, "side"), num(f, "realized_pnl"), str(f, "reason"))
	case "reconciliation_failed":
		return "Reconciliation divergence", fmt.Sprintf(
			"%s %s diverged from the exchange; entries halted", str(f, "symbol"), str(f, "side"))
	default:
		raw, _ := json.Marshal(f)
		return event, string(raw)
	}
}

func str(f map[string]any, key string) string {
	s, _ := f[key].(string)
	return s
}

func num(f map[string]any, key string) string {
	v, ok := f[key].(float64)
	if !ok {
		return "?"
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.8f", v), "0"), ".")
}
