package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/wholesale-allocation/internal/port"
	"github.com/rl1809/wholesale-allocation/pkg/logger"
	"github.com/rl1809/wholesale-allocation/pkg/metrics"
)

const (
	defaultBatchSize    = 100
	defaultPollInterval = time.Second
)

type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

// OutboxRelay moves committed outbox events to the publisher. Delivery is at
// least once: a batch is marked published only after every event in it was
// written, so consumers dedupe on the event id.
type OutboxRelay struct {
	repo      port.OutboxRepository
	publisher port.EventPublisher
	logger    *logger.Logger
	metrics   *metrics.AllocationMetrics
	cfg       RelayConfig
	now       func() time.Time
}

func NewOutboxRelay(repo port.OutboxRepository, publisher port.EventPublisher, cfg RelayConfig, logg *logger.Logger, m *metrics.AllocationMetrics) (*OutboxRelay, error) {
	if repo == nil || publisher == nil {
		return nil, errors.New("outbox relay: repository and publisher are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &OutboxRelay{
		repo:      repo,
		publisher: publisher,
		logger:    logg,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// RelayOnce publishes at most one batch and returns how many events it moved.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.repo.FetchUnpublished(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	if err := r.publisher.Publish(ctx, events); err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	if err := r.repo.MarkPublished(ctx, ids, r.now().UTC()); err != nil {
		return 0, fmt.Errorf("mark published: %w", err)
	}

	r.metrics.EventsRelayed(len(events))
	return len(events), nil
}

// Drain relays full batches until the outbox is empty or an error occurs.
func (r *OutboxRelay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.RelayOnce(ctx)
		total += n
		if err != nil || n < r.cfg.BatchSize {
			return total, err
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// Run polls the outbox until ctx is done. Failed rounds are logged and
// retried on the next tick.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info(ctx, "outbox relay started")
	for {
		n, err := r.Drain(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.logger.Error(ctx, "outbox relay round failed", err)
		case n > 0:
			r.logger.Debug(r.logger.WithField(ctx, "events", n), "outbox events relayed")
		}

		select {
		case <-ctx.Done():
			r.logger.Info(context.WithoutCancel(ctx), "outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}
