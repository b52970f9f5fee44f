package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"mailgate/internal/config"
	"mailgate/internal/storage"
	logx "mailgate/pkg/logx"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// pruneJob trims the delivery log to the retention window.
type pruneJob struct {
	store     storage.Store
	retention time.Duration
	schedule  cron.Schedule
	expr      string
	log       logx.Logger
	now       func() time.Time
}

// newPruneJob returns nil when there is nothing to prune: no store, no
// retention or no schedule.
func newPruneJob(cfg *config.Config, store storage.Store, log logx.Logger) (*pruneJob, error) {
	if store == nil {
		return nil, nil
	}
	retention, err := config.ParseDurationOrDefault("delivery_log.retention", cfg.DeliveryLog.Retention, 0)
	if err != nil {
		return nil, err
	}
	expr := strings.TrimSpace(cfg.DeliveryLog.PruneSchedule)
	if retention <= 0 || expr == "" {
		return nil, nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("delivery_log.prune_schedule: invalid %q: %w", expr, err)
	}
	return &pruneJob{
		store:     store,
		retention: retention,
		schedule:  sched,
		expr:      expr,
		log:       log.Component("prune"),
		now:       time.Now,
	}, nil
}

func (j *pruneJob) runOnce(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.log.Info("delivery log pruned", logx.Int("removed", n), logx.Time("before", cutoff))
	} else {
		j.log.Debug("delivery log prune: nothing to remove")
	}
	return n, nil
}

// Run drives the cron schedule until ctx is done.
func (j *pruneJob) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.Local))
	c.Schedule(j.schedule, cron.FuncJob(func() {
		rctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := j.runOnce(rctx); err != nil && ctx.Err() == nil {
			j.log.Warn("delivery log prune failed", logx.Err(err))
		}
	}))
	c.Start()
	j.log.Info("prune scheduled", logx.String("schedule", j.expr), logx.Duration("retention", j.retention))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// sdNotify reports state to systemd. Outside a unit it is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd notified", logx.String("state", state))
	}
}

// runWatchdog pings systemd at half the configured WatchdogSec.
func runWatchdog(ctx context.Context, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		log.Debug("systemd watchdog not enabled for this unit")
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}
