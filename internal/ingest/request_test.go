package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/geo"
)

func ptr(f float64) *float64 { return &f }

func validRequest() Request {
	return Request{
		EventID:    "evt-1",
		UserID:     "user-1",
		MerchantID: "m-1",
		Amount:     decimal.RequireFromString("12.50"),
		Currency:   "USD",
		Timestamp:  "2024-03-04T14:30:00",
		Lat:        ptr(41.88),
		Lon:        ptr(-87.63),
		DeviceID:   "dev-1",
		IP:         "203.0.113.7",
		Channel:    "web",
	}
}

func utcNormalizer(t *testing.T, resolver geo.Resolver) *Normalizer {
	t.Helper()
	n, err := NewNormalizer("UTC", resolver)
	require.NoError(t, err)
	return n
}

func fieldOf(t *testing.T, err error) string {
	t.Helper()
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	return verr.Field
}

func TestNormalizeValid(t *testing.T) {
	ev, err := utcNormalizer(t, nil).Normalize(validRequest())
	require.NoError(t, err)
	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC), ev.Timestamp)
	assert.True(t, ev.Amount.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, 41.88, ev.Lat)
}

func TestNormalizeRejectsBadFields(t *testing.T) {
	cases := []struct {
		field  string
		mutate func(*Request)
	}{
		{"event_id", func(r *Request) { r.EventID = "" }},
		{"user_id", func(r *Request) { r.UserID = strings.Repeat("u", 65) }},
		{"currency", func(r *Request) { r.Currency = "DOLLARSUS" }},
		{"device_id", func(r *Request) { r.DeviceID = strings.Repeat("d", 129) }},
		{"channel", func(r *Request) { r.Channel = "" }},
		{"amount", func(r *Request) { r.Amount = decimal.NewFromInt(-1) }},
		{"timestamp", func(r *Request) { r.Timestamp = "yesterday" }},
		{"lat", func(r *Request) { r.Lat = ptr(91) }},
		{"lon", func(r *Request) { r.Lon = ptr(-180.5) }},
		{"lat", func(r *Request) { r.Lat = nil }},
	}
	n := utcNormalizer(t, nil)
	for _, tc := range cases {
		t.Run(tc.field, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := n.Normalize(req)
			assert.Equal(t, tc.field, fieldOf(t, err))
			assert.Equal(t, "validation", domain.ErrorClass(err))
		})
	}
}

func TestLengthCountsCharacters(t *testing.T) {
	req := validRequest()
	req.MerchantID = strings.Repeat("é", 64)
	_, err := utcNormalizer(t, nil).Normalize(req)
	assert.NoError(t, err)
}

func TestZeroAmountAccepted(t *testing.T) {
	req := validRequest()
	req.Amount = decimal.Zero
	_, err := utcNormalizer(t, nil).Normalize(req)
	assert.NoError(t, err)
}

func TestParseTimestampOffsets(t *testing.T) {
	tokyo, err := NewNormalizer("Asia/Tokyo", nil)
	require.NoError(t, err)

	got, err := tokyo.ParseTimestamp("2024-03-04T05:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC), got)

	// Naive input is taken as-is, whatever the zone.
	got, err = tokyo.ParseTimestamp("2024-03-04T05:30:00.250")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, 5, 30, 0, 250_000_000, time.UTC), got)

	got, err = utcNormalizer(t, nil).ParseTimestamp("2024-03-04 10:30:00-04:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC), got)
}

func TestMissingCoordinatesResolvedFromIP(t *testing.T) {
	resolver := geo.Static{"203.0.113.7": {Lat: 51.5, Lon: -0.12}}
	req := validRequest()
	req.Lat, req.Lon = nil, nil

	ev, err := utcNormalizer(t, resolver).Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, 51.5, ev.Lat)
	assert.Equal(t, -0.12, ev.Lon)

	req.IP = "198.51.100.1"
	_, err = utcNormalizer(t, resolver).Normalize(req)
	assert.Equal(t, "lat", fieldOf(t, err))
}

func TestUnknownZone(t *testing.T) {
	_, err := NewNormalizer("Mars/Olympus", nil)
	assert.Error(t, err)
}
