package hls

import (
	"context"
	"log/slog"
	"time"

	"live-ingest/internal/platform/metrics"
)

// Sweeper periodically applies the retention policy to every manifest,
// removes manifests of streams that ended long ago and deletes storage
// left behind without a manifest.
type Sweeper struct {
	repo       *ManifestRepository
	interval   time.Duration
	staleAfter time.Duration
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// SweepResult summarises one pass.
type SweepResult struct {
	Evicted int
	Removed []string
	Errors  int
}

// NewSweeper returns a Sweeper running every interval. Ended streams whose
// manifest has not changed for staleAfter are removed.
func NewSweeper(repo *ManifestRepository, interval, staleAfter time.Duration, log *slog.Logger, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		repo:       repo,
		interval:   interval,
		staleAfter: staleAfter,
		log:        log,
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on every tick until ctx is cancelled. A pass in progress
// completes before Run returns.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass. Errors are logged per stream and never stop the pass.
func (s *Sweeper) Sweep() SweepResult {
	var res SweepResult
	now := s.now()

	for _, key := range s.repo.Keys() {
		n, err := s.repo.Evict(key, now)
		res.Evicted += n
		if err != nil {
			res.Errors++
			s.fail(key, "evict", err)
		}

		info, ok := s.repo.Info(key)
		if !ok || !info.Ended || now.Sub(info.UpdatedAt) < s.staleAfter {
			continue
		}
		if err := s.repo.Remove(key); err != nil {
			res.Errors++
			s.fail(key, "remove", err)
			continue
		}
		res.Removed = append(res.Removed, key)
	}

	orphans, err := s.repo.RemoveOrphans(now.Add(-s.staleAfter))
	res.Removed = append(res.Removed, orphans...)
	if err != nil {
		res.Errors++
		s.fail("", "remove orphans", err)
	}

	if s.metrics != nil {
		s.metrics.AddSegmentsEvicted(res.Evicted)
	}
	if res.Evicted > 0 || len(res.Removed) > 0 {
		s.log.Info("retention sweep",
			slog.Int("evicted", res.Evicted),
			slog.Any("removed", res.Removed),
			slog.Int("errors", res.Errors))
	}
	return res
}

func (s *Sweeper) fail(key, op string, err error) {
	s.log.Warn("retention sweep error",
		slog.String("stream", key),
		slog.String("op", op),
		slog.String("error", err.Error()))
	if s.metrics != nil {
		s.metrics.IncSweepErrors()
	}
}
