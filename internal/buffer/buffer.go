// Package buffer implements the durable staging layer between GPS ingestion
// and the TimescaleDB hypertable. Incoming reports land in gps_raw_buffer
// and a periodic drain moves them into the time-series store, deleting rows
// only after the write has committed.
package buffer

import (
	"fmt"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/models"
	"gorm.io/gorm"
)

// Row processing states in gps_raw_buffer.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusFailed     = "failed"
)

// Report is one GPS position as accepted by the ingest endpoint, already
// resolved to a registry vehicle.
type Report struct {
	VehicleID int64
	GarageNo  string
	Timestamp time.Time
	Lat       float64
	Lng       float64
	Speed     int
	Course    int
	Altitude  int
	State     int
	InRoute   int
}

// Enqueue stages a batch of reports as pending rows. Worker groups are
// assigned up front so the drain can partition work by vehicle.
func Enqueue(db *gorm.DB, reports []Report, workerGroups int) error {
	if len(reports) == 0 {
		return nil
	}
	if workerGroups < 1 {
		workerGroups = 1
	}

	now := time.Now().UTC()
	rows := make([]models.RawPosition, len(reports))
	for i, r := range reports {
		group := int(r.VehicleID % int64(workerGroups))
		rows[i] = models.RawPosition{
			VehicleID:     r.VehicleID,
			GarageNo:      r.GarageNo,
			Timestamp:     r.Timestamp,
			Lat:           r.Lat,
			Lng:           r.Lng,
			Speed:         r.Speed,
			Course:        r.Course,
			Altitude:      r.Altitude,
			State:         r.State,
			InRoute:       r.InRoute,
			ReceivedAt:    now,
			ProcessStatus: StatusPending,
			WorkerGroup:   &group,
		}
	}

	if err := db.CreateInBatches(rows, 200).Error; err != nil {
		return fmt.Errorf("buffer: enqueue %d reports: %w", len(reports), err)
	}
	return nil
}
