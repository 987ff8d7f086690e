package ats

import "time"

// LocationRecord is one GPS fix decoded from the ATS data-points endpoint.
// Serial and RecordedAt are mandatory. The remaining fields are kept as
// optional pointers without coercion: the vendor's encoding of them is
// inconsistent between collar generations and we forward them verbatim.
type LocationRecord struct {
	Serial     string
	Longitude  float64
	Latitude   float64
	RecordedAt time.Time // naive, vendor-local; corrected later via GMT offset

	NumSats        *string
	Hdop           *string
	FixTime        *string
	Dimension      *string
	Activity       *string
	Temperature    *string
	Mortality      *bool
	LowBattVoltage *bool
}

// Additional returns the optional vendor fields that were present on the
// record, keyed by the downstream field name. Promoted attributes (serial,
// timestamp, coordinates) are excluded.
func (r *LocationRecord) Additional() map[string]any {
	out := make(map[string]any)
	if r.NumSats != nil {
		out["num_sats"] = *r.NumSats
	}
	if r.Hdop != nil {
		out["hdop"] = *r.Hdop
	}
	if r.FixTime != nil {
		out["fix_time"] = *r.FixTime
	}
	if r.Dimension != nil {
		out["dimension"] = *r.Dimension
	}
	if r.Activity != nil {
		out["activity"] = *r.Activity
	}
	if r.Temperature != nil {
		out["temperature"] = *r.Temperature
	}
	if r.Mortality != nil {
		out["mortality"] = *r.Mortality
	}
	if r.LowBattVoltage != nil {
		out["low_batt_voltage"] = *r.LowBattVoltage
	}
	return out
}

// TransmissionRecord is one collar radio session from the transmissions
// endpoint. Only used to derive GMT offsets and for nearest-date lookups;
// never forwarded downstream.
type TransmissionRecord struct {
	Serial   string
	DateSent time.Time

	NumberFixes    *int
	BattVoltage    *float64
	Mortality      *string
	BreakOff       *string
	SatErrors      *string
	YearBase       *string
	DayBase        *string
	GmtOffset      *int
	LowBattVoltage *bool
}
