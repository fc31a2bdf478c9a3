package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crankd/internal/config"
	"crankd/internal/policy"
	"crankd/internal/task/scheduler"
	logx "crankd/pkg/logx"
)

const (
	jobBalance = "payer.balance"
	jobPrune   = "audit.prune"
)

type housekeeping struct {
	sched      scheduler.Config
	balance    string
	minBalance uint64
	prune      string
	retention  time.Duration
}

func mapHousekeepingConfig(cfg *config.Config) (housekeeping, error) {
	hc := config.HousekeepingConfig{}
	if cfg.Housekeeping != nil {
		hc = *cfg.Housekeeping
	}
	out := housekeeping{
		sched:      scheduler.Config{Timezone: strings.TrimSpace(hc.Timezone)},
		balance:    strings.TrimSpace(hc.BalanceCheck),
		minBalance: hc.MinBalance,
		prune:      strings.TrimSpace(hc.AuditPrune),
	}
	if out.sched.Timezone != "" {
		if _, err := time.LoadLocation(out.sched.Timezone); err != nil {
			return housekeeping{}, fmt.Errorf("housekeeping.timezone: %w", err)
		}
	}
	if out.balance == "" {
		out.balance = "@every 5m"
	}
	if out.prune == "" {
		out.prune = "@daily"
	}
	if _, err := policy.ParseSchedule(out.balance); err != nil {
		return housekeeping{}, fmt.Errorf("housekeeping.balance_check: %w", err)
	}
	if _, err := policy.ParseSchedule(out.prune); err != nil {
		return housekeeping{}, fmt.Errorf("housekeeping.audit_prune: %w", err)
	}
	var err error
	if out.retention, err = config.ParseDurationField("housekeeping.audit_retention", hc.AuditRetention); err != nil {
		return housekeeping{}, err
	}
	return out, nil
}

// registerHousekeeping replaces the scheduled jobs with the ones hc enables.
func (a *App) registerHousekeeping(hc housekeeping) error {
	a.sched.Remove(jobBalance)
	a.sched.Remove(jobPrune)

	if hc.minBalance > 0 {
		floor := hc.minBalance
		if err := a.sched.Add(scheduler.Job{
			Name:     jobBalance,
			Schedule: hc.balance,
			Timeout:  30 * time.Second,
			Run: func(ctx context.Context) error {
				_, err := a.crank.CheckBalance(ctx, floor)
				return err
			},
		}); err != nil {
			return err
		}
	}

	if hc.retention > 0 && a.store != nil {
		retention := hc.retention
		if err := a.sched.Add(scheduler.Job{
			Name:     jobPrune,
			Schedule: hc.prune,
			Timeout:  5 * time.Minute,
			Run: func(ctx context.Context) error {
				n, err := a.store.PruneAudit(ctx, time.Now().Add(-retention))
				if err != nil {
					return err
				}
				if n > 0 {
					a.log.Info("audit pruned", logx.Int("entries", n), logx.Duration("retention", retention))
				}
				return nil
			},
		}); err != nil {
			return err
		}
	}
	return nil
}
