package pipeline

import (
	"time"

	"github.com/PADAS/gundi-integration-ats-v2/internal/ats"
	"github.com/PADAS/gundi-integration-ats-v2/internal/timefix"
)

// observationType tags every record forwarded downstream.
const observationType = "tracking-device"

// Observation is one normalized, offset-corrected location record in the
// shape the sensors API ingests. Immutable once built.
type Observation struct {
	Source     string         `json:"source"`
	SourceName string         `json:"source_name"`
	Type       string         `json:"type"`
	RecordedAt time.Time      `json:"recorded_at"`
	Location   Location       `json:"location"`
	Additional map[string]any `json:"additional"`
}

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Transform converts one device's location records into observations,
// reinterpreting each naive timestamp at the device's GMT offset. The
// offset must already be validated (see timefix.ClampOffset).
func Transform(serial string, records []ats.LocationRecord, offsetHours int) []Observation {
	out := make([]Observation, 0, len(records))
	for _, rec := range records {
		out = append(out, Observation{
			Source:     rec.Serial,
			SourceName: rec.Serial,
			Type:       observationType,
			RecordedAt: timefix.ApplyOffset(rec.RecordedAt, offsetHours),
			Location:   Location{Lat: rec.Latitude, Lon: rec.Longitude},
			Additional: rec.Additional(),
		})
	}
	return out
}

// batches partitions observations into fixed-size groups, preserving order.
func batches(observations []Observation, size int) [][]Observation {
	if size <= 0 {
		size = 1
	}
	var out [][]Observation
	for start := 0; start < len(observations); start += size {
		end := start + size
		if end > len(observations) {
			end = len(observations)
		}
		out = append(out, observations[start:end])
	}
	return out
}
