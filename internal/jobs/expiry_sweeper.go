package jobs

import (
	"context"
	"log/slog"
	"time"

	"backend-livetrack/internal/tracking"

	"github.com/robfig/cron/v3"
)

const DefaultSweepInterval = 5 * time.Minute

type SessionSweeper interface {
	Sweep(ctx context.Context) []tracking.Session
}

type ExpiryNotifier interface {
	Expired(sess tracking.Session)
}

// ExpirySweeper periodically expires idle tracking sessions.
type ExpirySweeper struct {
	sweeper  SessionSweeper
	notifier ExpiryNotifier
	interval time.Duration
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewExpirySweeper(sweeper SessionSweeper, notifier ExpiryNotifier, interval time.Duration, logger *slog.Logger) *ExpirySweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpirySweeper{
		sweeper:  sweeper,
		notifier: notifier,
		interval: interval,
		cron:     cron.New(),
		logger:   logger.With("component", "expiry_sweeper"),
	}
}

func (j *ExpirySweeper) Start() error {
	_, err := j.cron.AddFunc("@every "+j.interval.String(), func() {
		j.Run(context.Background())
	})
	if err != nil {
		return err
	}

	j.cron.Start()
	j.logger.Info("expiry sweeper started", "interval", j.interval.String())
	return nil
}

// Run performs one sweep and returns how many sessions expired.
func (j *ExpirySweeper) Run(ctx context.Context) int {
	expired := j.sweeper.Sweep(ctx)
	for _, sess := range expired {
		if j.notifier != nil {
			j.notifier.Expired(sess)
		}
	}
	if len(expired) > 0 {
		j.logger.InfoContext(ctx, "expired idle tracking sessions", "count", len(expired))
	}
	return len(expired)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *ExpirySweeper) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("expiry sweeper stopped")
}
