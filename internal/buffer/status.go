package buffer

import (
	"fmt"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/models"
	"gorm.io/gorm"
)

// Status is a snapshot of the buffer used by the health endpoint and the
// stats cron.
type Status struct {
	Pending    int64      `json:"pending"`
	Processing int64      `json:"processing"`
	Failed     int64      `json:"failed"`
	OldestAt   *time.Time `json:"oldest_at,omitempty"`
}

// Backlogged reports whether the buffer is falling behind: pending rows
// older than two drain intervals indicate the drain is not keeping up.
func (s Status) Backlogged(drainInterval time.Duration, now time.Time) bool {
	if s.OldestAt == nil {
		return false
	}
	return now.Sub(*s.OldestAt) > 2*drainInterval
}

// CurrentStatus counts buffer rows by state.
func CurrentStatus(db *gorm.DB) (Status, error) {
	var s Status

	type row struct {
		ProcessStatus string
		N             int64
	}
	var rows []row
	err := db.Model(&models.RawPosition{}).
		Select("process_status, count(*) as n").
		Group("process_status").
		Scan(&rows).Error
	if err != nil {
		return s, fmt.Errorf("buffer: count by status: %w", err)
	}
	for _, r := range rows {
		switch r.ProcessStatus {
		case StatusPending:
			s.Pending = r.N
		case StatusProcessing:
			s.Processing = r.N
		case StatusFailed:
			s.Failed = r.N
		}
	}

	if s.Pending > 0 {
		var oldest models.RawPosition
		err := db.Where("process_status = ?", StatusPending).
			Order("received_at ASC").
			First(&oldest).Error
		if err != nil {
			return s, fmt.Errorf("buffer: oldest pending: %w", err)
		}
		s.OldestAt = &oldest.ReceivedAt
	}
	return s, nil
}
