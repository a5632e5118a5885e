// Package janitor runs the periodic housekeeping sweeps: archiving terminal
// items past the retention window and recovering claims orphaned by a crash.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/payhuk02/emarzona-sub013/internal/store"
)

type Janitor struct {
	store      store.Store
	cron       *cron.Cron
	retention  time.Duration
	staleAfter time.Duration
}

// New schedules Sweep on the given cron expression (standard five-field
// syntax). retention bounds how long delivered/failed items are kept;
// staleAfter bounds how long an in_flight claim may go without progress.
func New(st store.Store, cronExpr string, retention, staleAfter time.Duration) (*Janitor, error) {
	j := &Janitor{
		store:      st,
		cron:       cron.New(),
		retention:  retention,
		staleAfter: staleAfter,
	}
	if _, err := j.cron.AddFunc(cronExpr, func() { j.Sweep(context.Background()) }); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() { <-j.cron.Stop().Done() }

// Sweep prunes terminal items older than the retention window and requeues
// stale in_flight claims.
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	pruned, err := j.store.PruneTerminal(ctx, now.Add(-j.retention))
	if err != nil {
		log.Error().Err(err).Msg("retention prune failed")
	} else if pruned > 0 {
		log.Info().Int("pruned", pruned).Msg("terminal items pruned")
	}

	recovered, err := j.store.RecoverStale(ctx, now.Add(-j.staleAfter))
	if err != nil {
		log.Error().Err(err).Msg("stale claim recovery failed")
	} else if recovered > 0 {
		log.Info().Int("recovered", recovered).Msg("stale in-flight items requeued")
	}
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
