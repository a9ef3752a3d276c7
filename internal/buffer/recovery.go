package buffer

import (
	"fmt"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/models"
	"gorm.io/gorm"
)

// RecoverStuck returns rows stuck in processing back to pending. A row is
// stuck when its drain crashed mid-flight: still marked processing after
// the threshold with no processed_at stamp. The crash counts as an attempt,
// so retry_count is bumped; rows past the limit go to failed instead.
func (p *Processor) RecoverStuck() (int64, error) {
	now := p.now().UTC()
	cutoff := now.Add(-time.Duration(p.cfg.StuckThresholdMinutes) * time.Minute)

	res := p.db.Model(&models.RawPosition{}).
		Where("process_status = ?", StatusProcessing).
		Where("processed_at IS NULL").
		Where("updated_at < ?", cutoff).
		Updates(map[string]any{
			"process_status": StatusPending,
			"retry_count":    gorm.Expr("retry_count + 1"),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("buffer: recover stuck rows: %w", res.Error)
	}

	// Exhausted rows are terminal; stamp them so cleanup ages them out.
	err := p.db.Model(&models.RawPosition{}).
		Where("process_status = ?", StatusPending).
		Where("retry_count >= ?", p.cfg.RetryLimit).
		Updates(map[string]any{"process_status": StatusFailed, "processed_at": now}).Error
	if err != nil {
		return 0, fmt.Errorf("buffer: fail exhausted rows: %w", err)
	}
	return res.RowsAffected, nil
}

// AssignWorkerGroups backfills worker_group on rows that arrived without
// one, using vehicle_id modulo the configured group count.
func (p *Processor) AssignWorkerGroups() (int64, error) {
	groups := p.cfg.WorkerGroups
	if groups < 1 {
		groups = 1
	}
	res := p.db.Exec(
		"UPDATE gps_raw_buffer SET worker_group = vehicle_id % ? WHERE worker_group IS NULL",
		groups)
	if res.Error != nil {
		return 0, fmt.Errorf("buffer: assign worker groups: %w", res.Error)
	}
	return res.RowsAffected, nil
}
