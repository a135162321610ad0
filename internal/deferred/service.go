package deferred

import (
	"context"
	"time"

	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
)

// Replayer receives due items. It reports how many more items it can take
// right now so the scan never floods a busy scheduler.
type Replayer interface {
	Capacity() int
	Replay(ctx context.Context, item *domain.DeferredItem)
}

// Service scans the queue on a fixed tick and hands due items back to the
// scheduler.
type Service struct {
	queue    *Queue
	replayer Replayer
	interval time.Duration
	maxAge   time.Duration
	log      *logger.Logger
}

func NewService(queue *Queue, replayer Replayer, interval, maxAge time.Duration, log *logger.Logger) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{queue: queue, replayer: replayer, interval: interval, maxAge: maxAge, log: log}
}

// Run blocks until the context is cancelled. One scan fires immediately so
// a restart with due items does not wait a full tick.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Service) scan(ctx context.Context) {
	s.queue.Compact(s.maxAge)

	capacity := s.replayer.Capacity()
	if capacity <= 0 {
		return
	}

	due := s.queue.Due(capacity)
	for _, item := range due {
		if ctx.Err() != nil {
			return
		}
		s.log.Info("[Deferred] replaying %s (attempt %d)", item.Task.WorkID, item.Attempt+1)
		s.replayer.Replay(ctx, item)
	}
}
