// Package timefix corrects collar timestamps. ATS collars report naive
// local timestamps; the transmissions feed carries an integer GMT offset
// per collar which is used to reinterpret them as absolute instants.
package timefix

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/PADAS/gundi-integration-ats-v2/internal/ats"
)

// MaxOffsetHours is the largest GMT offset accepted from the vendor.
// Anything beyond it is treated as collar garbage and coerced to 0.
const MaxOffsetHours = 24

// DeriveOffsets extracts one GMT offset per collar serial. The first
// transmission seen for a serial wins; later ones are ignored. A missing
// GmtOffset counts as 0. No transmissions at all yields an empty map and a
// warning: processing continues with UTC-naive correction.
func DeriveOffsets(transmissions []ats.TransmissionRecord, integrationID string, log *slog.Logger) map[string]int {
	if len(transmissions) == 0 {
		log.Warn("no transmissions were pulled, setting GMT offset to 0 for all devices",
			slog.String("integration_id", integrationID))
		return map[string]int{}
	}
	offsets := make(map[string]int)
	for _, t := range transmissions {
		if _, seen := offsets[t.Serial]; seen {
			continue
		}
		offset := 0
		if t.GmtOffset != nil {
			offset = *t.GmtOffset
		}
		offsets[t.Serial] = offset
	}
	return offsets
}

// ClampOffset validates offset for one collar. Out-of-range values are
// coerced to 0 with a single attention-flagged diagnostic. Call once per
// device per run.
func ClampOffset(serial string, offset int, integrationID string, log *slog.Logger) int {
	if offset > MaxOffsetHours || offset < -MaxOffsetHours {
		log.Error(fmt.Sprintf("GMT offset invalid for device '%s' value '%d'", serial, offset),
			slog.Bool("attention_needed", true),
			slog.String("integration_id", integrationID),
		)
		return 0
	}
	return offset
}

// ApplyOffset reinterprets a naive timestamp as local time at the fixed
// UTC offset. The wall-clock fields are preserved; only the zone changes.
func ApplyOffset(naive time.Time, offsetHours int) time.Time {
	zone := time.FixedZone(fmt.Sprintf("UTC%+d", offsetHours), offsetHours*3600)
	y, mo, d := naive.Date()
	h, mi, s := naive.Clock()
	return time.Date(y, mo, d, h, mi, s, naive.Nanosecond(), zone)
}

// NearestTransmission returns the transmission whose DateSent is nearest to
// target by whole-day distance. The scan walks the distinct dates ascending
// with the previous-date cursor initialized to the maximum date, so a
// target before every transmission is compared against the far end of the
// range. Intentional; see DESIGN.md before changing it. Returns false when
// transmissions is empty.
func NearestTransmission(transmissions []ats.TransmissionRecord, target time.Time) (ats.TransmissionRecord, bool) {
	if len(transmissions) == 0 {
		return ats.TransmissionRecord{}, false
	}

	dates := make([]time.Time, 0, len(transmissions))
	for _, t := range transmissions {
		dates = append(dates, t.DateSent)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	previous := dates[len(dates)-1]
	for _, d := range dates {
		if !d.Before(target) {
			if dayDistance(d, target) < dayDistance(previous, target) {
				return firstWithDate(transmissions, d), true
			}
			return firstWithDate(transmissions, previous), true
		}
		previous = d
	}
	return firstWithDate(transmissions, dates[len(dates)-1]), true
}

// dayDistance is |a-b| in whole days, flooring the signed difference first
// so that sub-day differences still count as one day when negative.
func dayDistance(a, b time.Time) int {
	days := int(math.Floor(a.Sub(b).Hours() / 24))
	if days < 0 {
		return -days
	}
	return days
}

func firstWithDate(transmissions []ats.TransmissionRecord, date time.Time) ats.TransmissionRecord {
	for _, t := range transmissions {
		if t.DateSent.Equal(date) {
			return t
		}
	}
	return transmissions[0]
}
