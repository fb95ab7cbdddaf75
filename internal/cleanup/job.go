// Package cleanup runs the fleet-wide message retention job.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/config"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

const (
	DefaultSpec           = "0 3 * * *"
	defaultVIPMediaDays   = 180
	defaultLeadMediaDays  = 30
	defaultNonVIPTextDays = 90
)

// Store holds the retention operations. They span all tenants.
type Store interface {
	PruneMedia(ctx context.Context, vip bool, before time.Time, placeholder string) (int64, error)
	DeleteMessages(ctx context.Context, before time.Time) (int64, error)
}

// Report is the outcome of one run.
type Report struct {
	VIPMediaPruned  int64
	LeadMediaPruned int64
	MessagesDeleted int64
}

// Job prunes media and deletes old history on a cron schedule.
type Job struct {
	cfg   config.CleanupConfig
	store Store
	log   *zap.Logger
	nowFn func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running atomic.Bool
}

func NewJob(cfg config.CleanupConfig, store Store, log *zap.Logger) *Job {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.VIPMediaDays <= 0 {
		cfg.VIPMediaDays = defaultVIPMediaDays
	}
	if cfg.LeadMediaDays <= 0 {
		cfg.LeadMediaDays = defaultLeadMediaDays
	}
	if cfg.NonVIPTextDays <= 0 {
		cfg.NonVIPTextDays = defaultNonVIPTextDays
	}
	return &Job{cfg: cfg, store: store, log: log.Named("cleanup"), nowFn: utils.Now}
}

// Placeholder is the content left in place of pruned media.
func Placeholder(days int) string {
	return fmt.Sprintf("[Multimedia borrada por política de retención: >%d días]", days)
}

// Start schedules the job. Calling it twice is a no-op.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return nil
	}

	c := cron.New()
	runCtx := logger.WithLogger(ctx, j.log)
	if _, err := c.AddFunc(j.cfg.Spec, func() {
		defer utils.RecoverWithLog(runCtx, "retention pass")
		j.Run(runCtx)
	}); err != nil {
		return fmt.Errorf("invalid cleanup spec %q: %w", j.cfg.Spec, err)
	}
	c.Start()
	j.cron = c
	j.log.Info("Retention job scheduled", zap.String("spec", j.cfg.Spec))
	return nil
}

// Stop unschedules the job and waits for a running pass to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Run executes one retention pass. A pass already in progress makes it return
// immediately with ok false. Failed steps are logged and the next step still runs.
func (j *Job) Run(ctx context.Context) (report Report, ok bool) {
	if !j.running.CompareAndSwap(false, true) {
		j.log.Info("Retention pass already running, skipping")
		return Report{}, false
	}
	defer j.running.Store(false)

	now := j.nowFn()
	log := j.log.With(zap.Time("now", now))
	log.Info("Retention pass started")

	n, err := j.store.PruneMedia(ctx, true, daysBefore(now, j.cfg.VIPMediaDays), Placeholder(j.cfg.VIPMediaDays))
	if err != nil {
		log.Error("Failed to prune VIP media", zap.Error(err))
	}
	report.VIPMediaPruned = n
	observer.AddRetentionDeleted("media_vip", n)

	n, err = j.store.PruneMedia(ctx, false, daysBefore(now, j.cfg.LeadMediaDays), Placeholder(j.cfg.LeadMediaDays))
	if err != nil {
		log.Error("Failed to prune lead media", zap.Error(err))
	}
	report.LeadMediaPruned = n
	observer.AddRetentionDeleted("media_lead", n)

	n, err = j.store.DeleteMessages(ctx, daysBefore(now, j.cfg.NonVIPTextDays))
	if err != nil {
		log.Error("Failed to delete old messages", zap.Error(err))
	}
	report.MessagesDeleted = n
	observer.AddRetentionDeleted("messages", n)

	log.Info("Retention pass finished",
		zap.Int64("vip_media", report.VIPMediaPruned),
		zap.Int64("lead_media", report.LeadMediaPruned),
		zap.Int64("messages", report.MessagesDeleted),
	)
	return report, true
}

func daysBefore(now time.Time, days int) time.Time {
	return now.AddDate(0, 0, -days)
}
