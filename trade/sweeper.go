package trade

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/syntaxsurge/escrowzy-okx-sub006/logging"
	"github.com/syntaxsurge/escrowzy-okx-sub006/metrics"
)

// Candidates lists trades the sweeper may have to move.
type Candidates interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Trade, error)
	ListFinalizable(ctx context.Context, now time.Time, limit int) ([]Trade, error)
}

// SystemActions are the transitions the sweeper drives.
type SystemActions interface {
	ExpireTrade(ctx context.Context, tradeID string) (Trade, error)
	FinalizeTrade(ctx context.Context, tradeID string) (Trade, error)
}

type SweeperConfig struct {
	Interval    time.Duration
	BatchSize   int
	Parallelism int
}

// SweepReport counts the outcomes of one pass.
type SweepReport struct {
	Expired   int
	Finalized int
	Skipped   int
	Failed    int
}

// Sweeper periodically expires unfunded trades past their deadline and
// finalizes delivered trades past their dispute window. Candidates are only
// hints: every move goes through the service and its conditional write, so a
// participant acting concurrently always wins or loses cleanly.
type Sweeper struct {
	candidates Candidates
	actions    SystemActions
	cfg        SweeperConfig
	log        logrus.FieldLogger
	metrics    *metrics.Recorder
	now        func() time.Time
}

func NewSweeper(candidates Candidates, actions SystemActions, cfg SweeperConfig, log logrus.FieldLogger, rec *metrics.Recorder) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Sweeper{
		candidates: candidates,
		actions:    actions,
		cfg:        cfg,
		log:        log,
		metrics:    rec,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = now
	}
	return s
}

// Run sweeps every Interval until ctx is cancelled. A failed pass is logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("sweeper: pass failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass. Failures on individual trades are counted
// and logged without aborting the pass; only a failure to list candidates is
// returned.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	now := s.now()
	expired, err := s.candidates.ListExpired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return SweepReport{}, err
	}
	finalizable, err := s.candidates.ListFinalizable(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return SweepReport{}, err
	}

	var (
		mu     sync.Mutex
		report SweepReport
	)
	record := func(action string, t Trade, err error) {
		outcome := sweepOutcome(err)
		mu.Lock()
		switch outcome {
		case "ok":
			if action == "expire" {
				report.Expired++
			} else {
				report.Finalized++
			}
		case "skipped":
			report.Skipped++
		default:
			report.Failed++
		}
		mu.Unlock()
		s.metrics.Swept(action, outcome)

		entry := s.log.WithFields(logrus.Fields{"trade_id": t.ID, "action": action})
		switch outcome {
		case "ok":
			entry.Info("sweeper: trade moved")
		case "skipped":
			entry.WithError(err).Debug("sweeper: trade no longer eligible")
		default:
			entry.WithError(err).Warn("sweeper: trade failed")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, t := range expired {
		if _, due := ExpiryDue(now, t); !due {
			continue
		}
		g.Go(func() error {
			_, err := s.actions.ExpireTrade(gctx, t.ID)
			record("expire", t, err)
			return nil
		})
	}
	for _, t := range finalizable {
		if _, due := FinalizeDue(now, t); !due {
			continue
		}
		g.Go(func() error {
			_, err := s.actions.FinalizeTrade(gctx, t.ID)
			record("finalize", t, err)
			return nil
		})
	}
	_ = g.Wait()

	if report != (SweepReport{}) {
		s.log.WithFields(logrus.Fields{
			"expired":   report.Expired,
			"finalized": report.Finalized,
			"skipped":   report.Skipped,
			"failed":    report.Failed,
		}).Info("sweeper: pass complete")
	}
	return report, nil
}

// sweepOutcome treats losing to a participant as a skip: the trade left the
// candidate status between listing and the conditional write.
func sweepOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrConcurrentModification),
		errors.Is(err, ErrDeadlineNotYetPassed),
		errors.Is(err, ErrTradeNotFound):
		return "skipped"
	default:
		return "failed"
	}
}
