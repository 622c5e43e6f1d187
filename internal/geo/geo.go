// Package geo resolves IP addresses to coordinates for events that arrive
// without a location.
package geo

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"
)

// ErrUnknownIP indicates the address is unparsable or absent from the database.
var ErrUnknownIP = errors.New("geo: ip not found")

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Resolver looks up the location of an IP address.
type Resolver interface {
	Locate(ip string) (Point, error)
}

// MaxMind resolves against a GeoLite2/GeoIP2 City database.
type MaxMind struct {
	reader *geoip2.Reader
	logger zerolog.Logger
}

// OpenMaxMind opens the .mmdb file at path.
func OpenMaxMind(path string, logger zerolog.Logger) (*MaxMind, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	meta := reader.Metadata()
	logger = logger.With().Str("component", "geo").Logger()
	logger.Info().Str("path", path).Str("database", meta.DatabaseType).Msg("geoip database opened")
	return &MaxMind{reader: reader, logger: logger}, nil
}

// Locate implements Resolver.
func (m *MaxMind) Locate(ip string) (Point, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return Point{}, ErrUnknownIP
	}
	city, err := m.reader.City(addr)
	if err != nil {
		return Point{}, fmt.Errorf("geoip lookup %s: %w", ip, err)
	}
	if city.Location.Latitude == 0 && city.Location.Longitude == 0 {
		return Point{}, ErrUnknownIP
	}
	return Point{Lat: city.Location.Latitude, Lon: city.Location.Longitude}, nil
}

// Close releases the database.
func (m *MaxMind) Close() error {
	return m.reader.Close()
}

// Static resolves from a fixed table; useful for fixtures and air-gapped runs.
type Static map[string]Point

// Locate implements Resolver.
func (s Static) Locate(ip string) (Point, error) {
	if p, ok := s[ip]; ok {
		return p, nil
	}
	return Point{}, ErrUnknownIP
}

var (
	_ Resolver = (*MaxMind)(nil)
	_ Resolver = Static(nil)
)
