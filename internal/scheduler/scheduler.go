package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"synthtrack/internal/collector"
	"synthtrack/internal/conf"
	"synthtrack/internal/notify"
	"synthtrack/internal/store"
)

const (
	emailCheckSpec = "*/5 * * * *"
	webSyncSpec    = "*/30 * * * *"
	healthSpec     = "0 8 * * *"
	summarySpec    = "0 20 * * *"

	taskTimeout   = 5 * time.Minute
	retentionDays = 90

	// A reminder slot that fires while a previous one is still within this
	// window is skipped, so closely spaced configured times do not double-send.
	reminderSpacing = time.Hour
)

// Scheduler runs the background tasks: frequent email checks, the slower web
// sync, configured reminder times, a morning health check and an evening
// summary. Tasks run independently; each collection task is single-flight via
// the collector itself.
type Scheduler struct {
	cfg    *conf.Config
	coll   *collector.Collector
	policy *notify.Policy
	st     *store.Store
	logger *zap.Logger

	cron         *rcron.Cron
	mu           sync.Mutex
	lastReminder time.Time
	cancel       context.CancelFunc
}

// New creates a scheduler over the given collaborators
func New(cfg *conf.Config, coll *collector.Collector, policy *notify.Policy,
	st *store.Store, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		coll:   coll,
		policy: policy,
		st:     st,
		logger: logger.Named("scheduler"),
	}
}

// Start registers all tasks and starts the cron loop. It returns once the
// loop is running.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.cron = rcron.New()

	register := func(spec, name string, task func(context.Context)) error {
		_, err := s.cron.AddFunc(spec, func() {
			taskCtx, taskCancel := context.WithTimeout(runCtx, taskTimeout)
			defer taskCancel()
			task(taskCtx)
		})
		if err != nil {
			return fmt.Errorf("register %s task: %w", name, err)
		}
		return nil
	}

	if err := register(emailCheckSpec, "email check", s.checkEmails); err != nil {
		return err
	}
	if err := register(webSyncSpec, "web sync", s.webSync); err != nil {
		return err
	}
	if err := register(healthSpec, "health check", s.healthCheck); err != nil {
		return err
	}
	if err := register(summarySpec, "evening summary", s.eveningSummary); err != nil {
		return err
	}

	if s.cfg.Notify.Enabled {
		for _, clock := range s.cfg.Notify.Times {
			spec, err := clockToSpec(clock)
			if err != nil {
				s.logger.Warn("skipping bad reminder time",
					zap.String("time", clock), zap.Error(err))
				continue
			}
			if err := register(spec, "reminder "+clock, s.reminder); err != nil {
				return err
			}
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Int("reminder_slots", len(s.cfg.Notify.Times)),
		zap.Bool("reminders_enabled", s.cfg.Notify.Enabled))
	return nil
}

// Stop halts scheduling and waits briefly for running tasks.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("stop timeout waiting for running tasks")
	}
	s.logger.Info("scheduler stopped")
}

// clockToSpec turns "HH:MM" into a daily cron expression.
func clockToSpec(clock string) (string, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(clock))
	if err != nil {
		return "", fmt.Errorf("want HH:MM: %w", err)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}

func (s *Scheduler) checkEmails(ctx context.Context) {
	res, err := s.coll.CheckEmails(ctx)
	if errors.Is(err, collector.ErrBusy) {
		s.logger.Debug("email check skipped, collection busy")
		return
	}
	if err != nil {
		s.logger.Warn("email check failed", zap.Error(err))
		return
	}
	s.logger.Debug("email check done", zap.Int("errors", len(res.Errors)))
}

func (s *Scheduler) webSync(ctx context.Context) {
	res, err := s.coll.RunCycle(ctx)
	if errors.Is(err, collector.ErrBusy) {
		s.logger.Debug("web sync skipped, collection busy")
		return
	}
	if err != nil {
		s.logger.Warn("web sync failed", zap.Error(err))
		return
	}
	s.logger.Info("web sync done",
		zap.Bool("web_scraped", res.WebScraped),
		zap.Int("errors", len(res.Errors)))
}

func (s *Scheduler) reminder(ctx context.Context) {
	s.mu.Lock()
	if time.Since(s.lastReminder) < reminderSpacing {
		s.mu.Unlock()
		s.logger.Debug("reminder slot skipped, one sent recently")
		return
	}
	s.mu.Unlock()

	decision, err := s.policy.MaybeSendReminder("")
	if err != nil {
		s.logger.Warn("reminder failed", zap.Error(err))
		return
	}
	if !decision.Sent {
		s.logger.Info("reminder suppressed", zap.String("reason", decision.Reason))
		return
	}

	s.mu.Lock()
	s.lastReminder = time.Now()
	s.mu.Unlock()
	s.logger.Info("reminder sent", zap.Int("count_today", decision.ReminderCount))
}

// healthCheck verifies the store responds and sweeps old rows.
func (s *Scheduler) healthCheck(ctx context.Context) {
	days, err := s.st.RecentDays(7)
	if err != nil {
		s.logger.Error("health check: store unreachable", zap.Error(err))
		return
	}
	if err := s.st.DeleteOlderThan(retentionDays); err != nil {
		s.logger.Warn("health check: retention sweep failed", zap.Error(err))
	}
	if err := s.st.SetSetting("last_health_check", time.Now().Format(time.RFC3339)); err != nil {
		s.logger.Warn("health check: failed to record timestamp", zap.Error(err))
	}
	s.logger.Info("health check ok", zap.Int("rows_this_week", len(days)))
}

func (s *Scheduler) eveningSummary(ctx context.Context) {
	if err := s.policy.RecordDailySummary(); err != nil {
		s.logger.Warn("evening summary failed", zap.Error(err))
		return
	}
	s.logger.Info("evening summary recorded")
}
