package legacy

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/timeseries"
)

// Legacy per-vehicle gps tables carry these columns, in this order:
// captured, lat, lng, speed, course, alt, state, inroute.
const dumpColumns = 8

const capturedLayout = "2006-01-02 15:04:05"

// parseDump streams positions out of a mysqldump produced with
// --skip-extended-insert (one INSERT per row). Rows that fail to parse are
// counted and skipped rather than failing the whole import.
func parseDump(r io.Reader, vehicleID int64, garageNo string, fn func(timeseries.Position) error) (bad int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "INSERT INTO") {
			continue
		}
		fields, perr := parseInsertValues(line)
		if perr != nil {
			bad++
			continue
		}
		p, perr := positionFromFields(fields, vehicleID, garageNo)
		if perr != nil {
			bad++
			continue
		}
		if err := fn(p); err != nil {
			return bad, err
		}
	}
	if err := sc.Err(); err != nil {
		return bad, fmt.Errorf("legacy: scan dump: %w", err)
	}
	return bad, nil
}

// parseInsertValues extracts the value tuple from a single-row INSERT line.
func parseInsertValues(line string) ([]string, error) {
	_, rest, ok := strings.Cut(line, "VALUES (")
	if !ok {
		return nil, fmt.Errorf("no VALUES clause")
	}
	end := strings.LastIndex(rest, ")")
	if end < 0 {
		return nil, fmt.Errorf("unterminated tuple")
	}
	return splitTuple(rest[:end])
}

// splitTuple splits a VALUES tuple body on top-level commas, honoring
// single quotes and backslash escapes, and strips quoting from the fields.
func splitTuple(body string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuote := false

	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(body):
			i++
			cur.WriteByte(unescape(body[i]))
		case c == '\'':
			inQuote = !inQuote
		case c == ',' && !inQuote:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote")
	}
	fields = append(fields, cur.String())
	return fields, nil
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case '0':
		return 0
	default:
		return c
	}
}

func positionFromFields(fields []string, vehicleID int64, garageNo string) (timeseries.Position, error) {
	if len(fields) != dumpColumns {
		return timeseries.Position{}, fmt.Errorf("got %d columns, want %d", len(fields), dumpColumns)
	}

	captured, err := time.ParseInLocation(capturedLayout, fields[0], time.UTC)
	if err != nil {
		return timeseries.Position{}, fmt.Errorf("captured: %w", err)
	}
	lat, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return timeseries.Position{}, fmt.Errorf("lat: %w", err)
	}
	lng, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return timeseries.Position{}, fmt.Errorf("lng: %w", err)
	}

	ints := make([]int, 5)
	for i, name := range []string{"speed", "course", "alt", "state", "inroute"} {
		v, err := strconv.Atoi(strings.TrimSpace(fields[3+i]))
		if err != nil {
			return timeseries.Position{}, fmt.Errorf("%s: %w", name, err)
		}
		ints[i] = v
	}

	return timeseries.Position{
		Time:      captured,
		VehicleID: vehicleID,
		GarageNo:  garageNo,
		Lat:       lat,
		Lng:       lng,
		Speed:     ints[0],
		Course:    ints[1],
		Altitude:  ints[2],
		State:     ints[3],
		InRoute:   ints[4],
		Source:    "historical_import",
	}, nil
}
