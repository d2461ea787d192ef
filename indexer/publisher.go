// Package indexer forwards expense descriptions to the search service
// without slowing down ledger writes.
package indexer

import (
	"context"
	"log/slog"
)

// Publisher delivers one message to the search service.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// LogPublisher only logs messages. It is used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, msg *Message) error {
	p.logger.InfoContext(ctx, "index request",
		"expense_id", msg.ExpenseID,
		"household_id", msg.HouseholdID,
		"description", msg.Description)
	return nil
}
