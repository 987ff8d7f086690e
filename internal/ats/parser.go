package ats

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// The ATS endpoints return a .NET DataSet envelope:
//
//	<DataSet>
//	  <diffgr:diffgram>
//	    <NewDataSet>
//	      <Table>...</Table>
//	    </NewDataSet>
//	  </diffgr:diffgram>
//	</DataSet>
//
// A missing DataSet root (or XML that does not parse) means the vendor
// protocol changed and is an error. A missing diffgram/NewDataSet/Table is
// how the vendor says "no rows" and yields an empty result.

type locationEnvelope struct {
	XMLName  xml.Name `xml:"DataSet"`
	Diffgram *struct {
		NewDataSet *struct {
			Rows []locationRow `xml:"Table"`
		} `xml:"NewDataSet"`
	} `xml:"diffgram"`
}

type transmissionEnvelope struct {
	XMLName  xml.Name `xml:"DataSet"`
	Diffgram *struct {
		NewDataSet *struct {
			Rows []transmissionRow `xml:"Table"`
		} `xml:"NewDataSet"`
	} `xml:"diffgram"`
}

type locationRow struct {
	AtsSerialNum      string  `xml:"AtsSerialNum"`
	Longitude         *string `xml:"Longitude"`
	Latitude          *string `xml:"Latitude"`
	DateYearAndJulian string  `xml:"DateYearAndJulian"`
	NumSats           *string `xml:"NumSats"`
	Hdop              *string `xml:"Hdop"`
	FixTime           *string `xml:"FixTime"`
	Dimension         *string `xml:"Dimension"`
	Activity          *string `xml:"Activity"`
	Temperature       *string `xml:"Temperature"`
	Mortality         *string `xml:"Mortality"`
	LowBattVoltage    *string `xml:"LowBattVoltage"`
}

type transmissionRow struct {
	DateSent        string  `xml:"DateSent"`
	CollarSerialNum string  `xml:"CollarSerialNum"`
	NumberFixes     *string `xml:"NumberFixes"`
	BattVoltage     *string `xml:"BattVoltage"`
	Mortality       *string `xml:"Mortality"`
	BreakOff        *string `xml:"BreakOff"`
	SatErrors       *string `xml:"SatErrors"`
	YearBase        *string `xml:"YearBase"`
	DayBase         *string `xml:"DayBase"`
	GmtOffset       *string `xml:"GmtOffset"`
	LowBattVoltage  *string `xml:"LowBattVoltage"`
}

// timestampLayouts are the formats ATS has been observed to use for
// DateYearAndJulian and DateSent. All are naive (no zone designator).
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseLocations decodes a raw data-points payload into location records
// grouped by collar serial, preserving row order within each device.
// One invalid row rejects the whole payload.
func ParseLocations(raw []byte, integrationID, endpoint string, log *slog.Logger) (map[string][]LocationRecord, error) {
	var env locationEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		msg := fmt.Sprintf("Error while parsing XML from 'data' endpoint. Integration ID: %s", integrationID)
		log.Error(msg,
			slog.Bool("attention_needed", true),
			slog.String("endpoint", endpoint),
			slog.Any("error", err),
		)
		return nil, &BadResponseError{Endpoint: endpoint, IntegrationID: integrationID, Message: msg, Err: err}
	}

	rows := normalizeLocationRows(&env)
	if len(rows) == 0 {
		log.Info("no data points extracted", slog.String("endpoint", endpoint))
		return map[string][]LocationRecord{}, nil
	}

	perDevice := make(map[string][]LocationRecord)
	for i, row := range rows {
		rec, err := row.validate()
		if err != nil {
			msg := fmt.Sprintf("Error while validating 'data' response row %d. Integration ID: %s", i, integrationID)
			log.Error(msg,
				slog.Bool("attention_needed", true),
				slog.String("endpoint", endpoint),
				slog.Any("error", err),
			)
			return nil, &BadResponseError{Endpoint: endpoint, IntegrationID: integrationID, Message: msg, Err: err}
		}
		perDevice[rec.Serial] = append(perDevice[rec.Serial], rec)
	}
	for serial, recs := range perDevice {
		log.Info("extracted data points for device",
			slog.String("device", serial), slog.Int("count", len(recs)))
	}
	return perDevice, nil
}

// ParseTransmissions decodes a raw transmissions payload. One invalid row
// rejects the whole payload, same policy as ParseLocations.
func ParseTransmissions(raw []byte, integrationID, endpoint string, log *slog.Logger) ([]TransmissionRecord, error) {
	var env transmissionEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		msg := fmt.Sprintf("Error while parsing XML from 'transmissions' endpoint. Integration ID: %s", integrationID)
		log.Error(msg,
			slog.Bool("attention_needed", true),
			slog.String("endpoint", endpoint),
			slog.Any("error", err),
		)
		return nil, &BadResponseError{Endpoint: endpoint, IntegrationID: integrationID, Message: msg, Err: err}
	}

	rows := normalizeTransmissionRows(&env)
	if len(rows) == 0 {
		log.Info("no transmissions extracted", slog.String("endpoint", endpoint))
		return []TransmissionRecord{}, nil
	}

	out := make([]TransmissionRecord, 0, len(rows))
	for i, row := range rows {
		rec, err := row.validate()
		if err != nil {
			msg := fmt.Sprintf("Error while validating 'transmissions' response row %d. Integration ID: %s", i, integrationID)
			log.Error(msg,
				slog.Bool("attention_needed", true),
				slog.String("endpoint", endpoint),
				slog.Any("error", err),
			)
			return nil, &BadResponseError{Endpoint: endpoint, IntegrationID: integrationID, Message: msg, Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}

// normalizeLocationRows flattens the optional envelope levels to a row
// slice, mapping any absent container to an empty list rather than failing.
func normalizeLocationRows(env *locationEnvelope) []locationRow {
	if env.Diffgram == nil || env.Diffgram.NewDataSet == nil || env.Diffgram.NewDataSet.Rows == nil {
		return []locationRow{}
	}
	return env.Diffgram.NewDataSet.Rows
}

func normalizeTransmissionRows(env *transmissionEnvelope) []transmissionRow {
	if env.Diffgram == nil || env.Diffgram.NewDataSet == nil || env.Diffgram.NewDataSet.Rows == nil {
		return []transmissionRow{}
	}
	return env.Diffgram.NewDataSet.Rows
}

func (r locationRow) validate() (LocationRecord, error) {
	rec := LocationRecord{Serial: strings.TrimSpace(r.AtsSerialNum)}
	if rec.Serial == "" {
		return rec, fmt.Errorf("missing AtsSerialNum")
	}

	ts, err := parseTimestamp(r.DateYearAndJulian)
	if err != nil {
		return rec, fmt.Errorf("invalid DateYearAndJulian %q: %w", r.DateYearAndJulian, err)
	}
	rec.RecordedAt = ts

	if rec.Longitude, err = parseCoordinate(r.Longitude, -180, 360, "Longitude"); err != nil {
		return rec, err
	}
	if rec.Latitude, err = parseCoordinate(r.Latitude, -90, 90, "Latitude"); err != nil {
		return rec, err
	}

	rec.NumSats = r.NumSats
	rec.Hdop = r.Hdop
	rec.FixTime = r.FixTime
	rec.Dimension = r.Dimension
	rec.Activity = r.Activity
	rec.Temperature = r.Temperature
	if rec.Mortality, err = parseOptionalBool(r.Mortality, "Mortality"); err != nil {
		return rec, err
	}
	if rec.LowBattVoltage, err = parseOptionalBool(r.LowBattVoltage, "LowBattVoltage"); err != nil {
		return rec, err
	}
	return rec, nil
}

func (r transmissionRow) validate() (TransmissionRecord, error) {
	rec := TransmissionRecord{Serial: strings.TrimSpace(r.CollarSerialNum)}
	if rec.Serial == "" {
		return rec, fmt.Errorf("missing CollarSerialNum")
	}

	ts, err := parseTimestamp(r.DateSent)
	if err != nil {
		return rec, fmt.Errorf("invalid DateSent %q: %w", r.DateSent, err)
	}
	rec.DateSent = ts

	if rec.NumberFixes, err = parseOptionalInt(r.NumberFixes, "NumberFixes"); err != nil {
		return rec, err
	}
	if rec.BattVoltage, err = parseOptionalFloat(r.BattVoltage, "BattVoltage"); err != nil {
		return rec, err
	}
	rec.Mortality = r.Mortality
	rec.BreakOff = r.BreakOff
	rec.SatErrors = r.SatErrors
	rec.YearBase = r.YearBase
	rec.DayBase = r.DayBase
	if rec.GmtOffset, err = parseOptionalInt(r.GmtOffset, "GmtOffset"); err != nil {
		return rec, err
	}
	if rec.LowBattVoltage, err = parseOptionalBool(r.LowBattVoltage, "LowBattVoltage"); err != nil {
		return rec, err
	}
	return rec, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, raw)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func parseCoordinate(raw *string, min, max float64, field string) (float64, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, *raw, err)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s %v out of range [%v, %v]", field, v, min, max)
	}
	return v, nil
}

func parseOptionalBool(raw *string, field string) (*bool, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(*raw)))
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", field, *raw, err)
	}
	return &v, nil
}

func parseOptionalInt(raw *string, field string) (*int, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(*raw))
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", field, *raw, err)
	}
	return &v, nil
}

func parseOptionalFloat(raw *string, field string) (*float64, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*raw), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", field, *raw, err)
	}
	return &v, nil
}
