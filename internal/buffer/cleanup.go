package buffer

import (
	"fmt"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/models"
)

// CleanupStats reports rows removed by one cleanup pass.
type CleanupStats struct {
	Processed int64
	Failed    int64
}

// Cleanup removes terminal rows that have aged out: failed rows past the
// failed-retention window and any stray processed-and-stamped rows the
// drain did not delete itself.
func (p *Processor) Cleanup() (CleanupStats, error) {
	now := p.now().UTC()
	var stats CleanupStats

	failedCutoff := now.Add(-time.Duration(p.cfg.CleanupFailedHours) * time.Hour)
	res := p.db.Where("process_status = ?", StatusFailed).
		Where("processed_at < ?", failedCutoff).
		Delete(&models.RawPosition{})
	if res.Error != nil {
		return stats, fmt.Errorf("buffer: cleanup failed rows: %w", res.Error)
	}
	stats.Failed = res.RowsAffected

	processedCutoff := now.Add(-time.Duration(p.cfg.CleanupProcessedMinutes) * time.Minute)
	res = p.db.Where("process_status = ?", StatusProcessing).
		Where("processed_at IS NOT NULL").
		Where("processed_at < ?", processedCutoff).
		Delete(&models.RawPosition{})
	if res.Error != nil {
		return stats, fmt.Errorf("buffer: cleanup processed rows: %w", res.Error)
	}
	stats.Processed = res.RowsAffected

	return stats, nil
}
