package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/buffer"
	"github.com/buslogic/smart-city-sub000/internal/vehicles"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// ingestPoint is one GPS report as sent by the legacy relay.
type ingestPoint struct {
	GarageNo  string    `json:"garageNo" binding:"required"`
	Timestamp time.Time `json:"timestamp" binding:"required"`
	// Pointers so a literal 0 coordinate (equator, prime meridian) binds;
	// "required" on a plain float rejects the zero value.
	Lat       *float64  `json:"lat" binding:"required"`
	Lng       *float64  `json:"lng" binding:"required"`
	Speed     int       `json:"speed"`
	Course    int       `json:"course"`
	Altitude  int       `json:"alt"`
	State     int       `json:"state"`
	InRoute   int       `json:"inRoute"`
}

type ingestRequest struct {
	Data []ingestPoint `json:"data" binding:"required"`
}

// handleIngestBatch accepts a batch of GPS points, resolves them against
// the registry and stages the valid ones into the buffer. Staging runs
// after the response: the relay gets an answer fast and the buffer's
// durability guarantees take over from there.
func handleIngestBatch(db *gorm.DB, resolver *vehicles.Resolver, limiter *rate.Limiter, apiKey string, maxBatch, workerGroups int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-API-Key") != apiKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		var req ingestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed batch: " + err.Error()})
			return
		}
		if len(req.Data) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty batch"})
			return
		}
		if len(req.Data) > maxBatch {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "batch too large",
				"max":   maxBatch,
			})
			return
		}

		reports := make([]buffer.Report, 0, len(req.Data))
		skipped := 0
		for _, p := range req.Data {
			v, err := resolver.ByGarageNo(p.GarageNo)
			if err != nil {
				if !errors.Is(err, vehicles.ErrUnknownVehicle) {
					log.Printf("api: resolve %s: %v", p.GarageNo, err)
				}
				skipped++
				continue
			}
			reports = append(reports, buffer.Report{
				VehicleID: v.ID,
				GarageNo:  v.GarageNo,
				Timestamp: p.Timestamp.UTC(),
				Lat:       *p.Lat,
				Lng:       *p.Lng,
				Speed:     p.Speed,
				Course:    p.Course,
				Altitude:  p.Altitude,
				State:     p.State,
				InRoute:   p.InRoute,
			})
		}

		if len(reports) > 0 {
			go func() {
				if err := buffer.Enqueue(db, reports, workerGroups); err != nil {
					log.Printf("api: enqueue %d reports: %v", len(reports), err)
				}
			}()
		}

		c.JSON(http.StatusOK, gin.H{
			"accepted": len(reports),
			"skipped":  skipped,
		})
	}
}
