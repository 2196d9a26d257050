package port

import (
	"context"
	"time"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
)

type OutboxRepository interface {
	// FetchUnpublished returns the oldest unpublished events in write order
	FetchUnpublished(ctx context.Context, limit int) ([]domain.OrderEvent, error)

	MarkPublished(ctx context.Context, ids []string, at time.Time) error
}

type EventPublisher interface {
	Publish(ctx context.Context, events []domain.OrderEvent) error
}
