package agent

import (
	"context"

	"github.com/aristath/sentinel-agent/internal/audit"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// housekeeping schedules periodic local-store maintenance: off-box
// replication of the audit ledger per SPEC_FULL.md's supplemented audit
// backup feature. Grounded on the teacher's use of robfig/cron for
// scheduled internal jobs (the same library backed
// internal/queue/scheduler.go before that subtree was pruned, see
// DESIGN.md), rather than hand-rolling a ticker loop for a job that has
// genuine cron semantics (fixed wall-clock time, not a fixed interval).
type housekeeping struct {
	cron    *cron.Cron
	backup  *audit.BackupService
	store   *audit.Store
	log     zerolog.Logger
}

func newHousekeeping(schedule string, backup *audit.BackupService, store *audit.Store, log zerolog.Logger) (*housekeeping, error) {
	h := &housekeeping{cron: cron.New(), backup: backup, store: store, log: log.With().Str("component", "housekeeping").Logger()}
	if backup != nil {
		if _, err := h.cron.AddFunc(schedule, h.runBackup); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *housekeeping) runBackup() {
	if err := h.backup.UploadSegment(context.Background(), h.store.Path()); err != nil {
		h.log.Error().Err(err).Msg("scheduled audit backup failed")
	}
}

func (h *housekeeping) start() { h.cron.Start() }
func (h *housekeeping) stop()  { <-h.cron.Stop().Done() }
