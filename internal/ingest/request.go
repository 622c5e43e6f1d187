// Package ingest validates raw event submissions and normalises them into
// domain events before any history is read.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/geo"
)

// Request is an event as submitted over HTTP, Kafka or an NDJSON file.
type Request struct {
	EventID    string          `json:"event_id"`
	UserID     string          `json:"user_id"`
	MerchantID string          `json:"merchant_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Timestamp  string          `json:"timestamp"`
	Lat        *float64        `json:"lat"`
	Lon        *float64        `json:"lon"`
	DeviceID   string          `json:"device_id"`
	IP         string          `json:"ip"`
	Channel    string          `json:"channel"`
}

// Field length limits.
const (
	MaxIDLen       = 64
	MaxCurrencyLen = 8
	MaxDeviceLen   = 128
	MaxIPLen       = 64
	MaxChannelLen  = 32
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Normalizer turns requests into events. Offsets on incoming timestamps are
// converted into Location and then dropped, so stored timestamps are naive
// wall clock values.
type Normalizer struct {
	Location *time.Location
	Geo      geo.Resolver
}

// NewNormalizer builds a normalizer for the named IANA zone ("" or "Local"
// uses the process zone). resolver may be nil.
func NewNormalizer(zone string, resolver geo.Resolver) (*Normalizer, error) {
	loc := time.Local
	if zone != "" && zone != "Local" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("load ingest timezone %q: %w", zone, err)
		}
		loc = l
	}
	return &Normalizer{Location: loc, Geo: resolver}, nil
}

// Normalize validates req and returns the event it describes. Every failure
// is a *domain.ValidationError.
func (n *Normalizer) Normalize(req Request) (domain.Event, error) {
	fields := []struct {
		name  string
		value string
		max   int
	}{
		{"event_id", req.EventID, MaxIDLen},
		{"user_id", req.UserID, MaxIDLen},
		{"merchant_id", req.MerchantID, MaxIDLen},
		{"currency", req.Currency, MaxCurrencyLen},
		{"device_id", req.DeviceID, MaxDeviceLen},
		{"ip", req.IP, MaxIPLen},
		{"channel", req.Channel, MaxChannelLen},
	}
	for _, f := range fields {
		if err := checkString(f.name, f.value, f.max); err != nil {
			return domain.Event{}, err
		}
	}
	if req.Amount.IsNegative() {
		return domain.Event{}, &domain.ValidationError{Field: "amount", Reason: "must be non-negative"}
	}

	ts, err := n.ParseTimestamp(req.Timestamp)
	if err != nil {
		return domain.Event{}, err
	}

	lat, lon, err := n.coordinates(req)
	if err != nil {
		return domain.Event{}, err
	}

	return domain.Event{
		ID:         req.EventID,
		UserID:     req.UserID,
		MerchantID: req.MerchantID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Timestamp:  ts,
		Lat:        lat,
		Lon:        lon,
		DeviceID:   req.DeviceID,
		IP:         req.IP,
		Channel:    req.Channel,
	}, nil
}

// ParseTimestamp accepts ISO-8601 with or without an offset and returns a
// naive wall clock value in the UTC location.
func (n *Normalizer) ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, &domain.ValidationError{Field: "timestamp", Reason: "required"}
	}
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		if strings.Contains(layout, "Z07:00") {
			t = t.In(n.location())
		}
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
	}
	return time.Time{}, &domain.ValidationError{Field: "timestamp", Reason: "invalid timestamp format"}
}

func (n *Normalizer) location() *time.Location {
	if n.Location == nil {
		return time.Local
	}
	return n.Location
}

func (n *Normalizer) coordinates(req Request) (float64, float64, error) {
	if req.Lat == nil || req.Lon == nil {
		if n.Geo == nil {
			return 0, 0, &domain.ValidationError{Field: "lat", Reason: "required"}
		}
		p, err := n.Geo.Locate(req.IP)
		if err != nil {
			if errors.Is(err, geo.ErrUnknownIP) {
				return 0, 0, &domain.ValidationError{Field: "lat", Reason: "missing and ip could not be located"}
			}
			return 0, 0, fmt.Errorf("locate ip: %w", err)
		}
		return p.Lat, p.Lon, nil
	}
	lat, lon := *req.Lat, *req.Lon
	if lat < -90 || lat > 90 {
		return 0, 0, &domain.ValidationError{Field: "lat", Reason: "must be within [-90, 90]"}
	}
	if lon < -180 || lon > 180 {
		return 0, 0, &domain.ValidationError{Field: "lon", Reason: "must be within [-180, 180]"}
	}
	return lat, lon, nil
}

func checkString(field, value string, max int) error {
	if value == "" {
		return &domain.ValidationError{Field: field, Reason: "required"}
	}
	if utf8.RuneCountInString(value) > max {
		return &domain.ValidationError{Field: field, Reason: fmt.Sprintf("longer than %d characters", max)}
	}
	return nil
}
