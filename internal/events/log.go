package events

import (
	"context"
	"log/slog"

	"identity-reconciliation/internal/models"
)

// Log writes events to a structured logger. It is used when no broker is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Publish(ctx context.Context, evts ...models.Event) error {
	for _, e := range evts {
		attrs := []any{
			slog.String("type", string(e.Type)),
			slog.Int64("contact_id", e.ContactID),
			slog.Int64("primary_id", e.PrimaryID),
			slog.String("link_precedence", string(e.LinkPrecedence)),
		}
		if e.PreviousLink != nil {
			attrs = append(attrs, slog.Int64("previous_linked_id", *e.PreviousLink))
		}
		l.logger.InfoContext(ctx, "contact event", attrs...)
	}
	return nil
}
