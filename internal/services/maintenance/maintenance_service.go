// -----------------------------------------------------------------------
// Maintenance Service - Cron-driven pruning and gauge refresh
// -----------------------------------------------------------------------

package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pastiche/internal/interfaces"
	"github.com/ternarybob/pastiche/internal/metrics"
)

// tombstoneTTL covers the gap between a claim and slot registration with
// a wide margin.
const tombstoneTTL = 5 * time.Minute

// TombstonePruner drops stale cancel tombstones
type TombstonePruner interface {
	PruneTombstones(before time.Time) int
}

// Report summarises one maintenance pass
type Report struct {
	PrunedStatuses   int
	PrunedTombstones int
	QueueLength      int
}

// Service runs maintenance on a cron schedule
type Service struct {
	statusStore interfaces.JobStatusStorage
	broker      interfaces.Broker
	tombstones  TombstonePruner
	retention   time.Duration
	schedule    string
	cron        *cron.Cron
	logger      arbor.ILogger
	mu          sync.Mutex
	running     bool
}

// NewService creates a maintenance service. retention is how long finished
// status records stay queryable.
func NewService(
	statusStore interfaces.JobStatusStorage,
	broker interfaces.Broker,
	tombstones TombstonePruner,
	schedule string,
	retention time.Duration,
	logger arbor.ILogger,
) *Service {
	return &Service{
		statusStore: statusStore,
		broker:      broker,
		tombstones:  tombstones,
		retention:   retention,
		schedule:    schedule,
		cron:        cron.New(),
		logger:      logger,
	}
}

// Start registers the maintenance pass and starts the cron runner
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("maintenance already running")
	}
	if s.schedule == "" {
		s.logger.Info().Msg("Maintenance schedule empty, maintenance disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, s.runScheduled); err != nil {
		return fmt.Errorf("failed to add maintenance schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Dur("retention", s.retention).
		Msg("Maintenance scheduler started")
	return nil
}

// Stop halts the scheduler and waits for a running pass to finish
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

func (s *Service) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Maintenance pass failed")
	}
}

// RunOnce prunes expired status records and tombstones and refreshes the
// queue length gauge.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	now := time.Now()

	pruned, err := s.statusStore.PruneFinished(ctx, now.Add(-s.retention))
	if err != nil {
		return report, fmt.Errorf("failed to prune job statuses: %w", err)
	}
	report.PrunedStatuses = pruned

	if s.tombstones != nil {
		report.PrunedTombstones = s.tombstones.PruneTombstones(now.Add(-tombstoneTTL))
	}

	length, err := s.broker.Len(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to read queue length: %w", err)
	}
	report.QueueLength = length
	metrics.QueueLength.Set(float64(length))

	if report.PrunedStatuses > 0 || report.PrunedTombstones > 0 {
		s.logger.Debug().
			Int("statuses", report.PrunedStatuses).
			Int("tombstones", report.PrunedTombstones).
			Int("queue_length", report.QueueLength).
			Msg("Maintenance pass pruned records")
	}
	return report, nil
}
