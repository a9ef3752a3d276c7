package timeseries

import (
	"strings"
	"testing"
	"time"
)

func samplePositions(n int) []Position {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	out := make([]Position, n)
	for i := range out {
		out[i] = Position{
			Time:      base.Add(time.Duration(i) * time.Second),
			VehicleID: 460,
			GarageNo:  "P93597",
			Lat:       44.8125,
			Lng:       20.4612,
			Speed:     42,
			Source:    "buffer",
		}
	}
	return out
}

func TestBuildInsertSingleRow(t *testing.T) {
	sql, args := buildInsert(samplePositions(1))

	if !strings.HasPrefix(sql, "INSERT INTO gps_data ") {
		t.Errorf("unexpected prefix: %s", sql)
	}
	if !strings.Contains(sql, "ST_SetSRID(ST_MakePoint($5, $4), 4326)") {
		t.Errorf("location expression missing or misnumbered: %s", sql)
	}
	if !strings.Contains(sql, "ON CONFLICT (vehicle_id, time) DO UPDATE SET") {
		t.Errorf("upsert clause missing: %s", sql)
	}
	if len(args) != 11 {
		t.Errorf("got %d args, want 11", len(args))
	}
}

func TestBuildInsertPlaceholderNumbering(t *testing.T) {
	sql, args := buildInsert(samplePositions(3))

	if len(args) != 33 {
		t.Fatalf("got %d args, want 33", len(args))
	}
	// Second row starts at $12; its point reuses $16 (lng) and $15 (lat).
	if !strings.Contains(sql, "($12, $13, $14, $15, $16, ST_SetSRID(ST_MakePoint($16, $15), 4326)") {
		t.Errorf("second row misnumbered: %s", sql)
	}
	if strings.Count(sql, "ON CONFLICT") != 1 {
		t.Errorf("conflict clause should appear once: %s", sql)
	}
}

func TestBuildInsertArgsOrder(t *testing.T) {
	p := samplePositions(1)[0]
	_, args := buildInsert([]Position{p})

	if !args[0].(time.Time).Equal(p.Time) {
		t.Errorf("arg 0 = %v, want %v", args[0], p.Time)
	}
	if args[1].(int64) != 460 {
		t.Errorf("arg 1 = %v, want 460", args[1])
	}
	if args[3].(float64) != 44.8125 || args[4].(float64) != 20.4612 {
		t.Errorf("lat/lng args = %v, %v", args[3], args[4])
	}
	if args[10].(string) != "buffer" {
		t.Errorf("source arg = %v, want buffer", args[10])
	}
}

func TestHealthOverloaded(t *testing.T) {
	cases := []struct {
		name string
		h    Health
		want bool
	}{
		{"idle", Health{Connections: 10, ActiveQueries: 2}, false},
		{"at limits", Health{Connections: 90, ActiveQueries: 10}, false},
		{"too many connections", Health{Connections: 91, ActiveQueries: 0}, true},
		{"too many queries", Health{Connections: 10, ActiveQueries: 11}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.h.Overloaded(); got != tc.want {
				t.Errorf("Overloaded() = %v, want %v", got, tc.want)
			}
		})
	}
}
