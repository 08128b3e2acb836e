package geo

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// ErrNotFound is returned when an address has no geolocation entry.
var ErrNotFound = errors.New("no geolocation record")

// Location is resolved geolocation metadata for one mirror host.
type Location struct {
	CountryCode string
	Latitude    float64
	Longitude   float64
}

// Resolver maps a hostname or IP onto geolocation metadata.
type Resolver interface {
	Resolve(ctx context.Context, host string) (Location, error)
}

// MaxMindResolver resolves locations against a local MaxMind database.
type MaxMindResolver struct {
	db *geoip2.Reader
}

// OpenMaxMind opens a GeoIP2/GeoLite2 city database file.
func OpenMaxMind(path string) (*MaxMindResolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMindResolver{db: db}, nil
}

func (r *MaxMindResolver) Close() error { return r.db.Close() }

func (r *MaxMindResolver) Resolve(ctx context.Context, host string) (Location, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil || len(ips) == 0 {
			return Location{}, fmt.Errorf("%w: lookup %s", ErrNotFound, host)
		}
		ip = ips[0]
	}

	city, err := r.db.City(ip)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %s", ErrNotFound, host)
	}
	if city.Country.IsoCode == "" && city.Location.Latitude == 0 && city.Location.Longitude == 0 {
		return Location{}, fmt.Errorf("%w: %s", ErrNotFound, host)
	}
	return Location{
		CountryCode: city.Country.IsoCode,
		Latitude:    city.Location.Latitude,
		Longitude:   city.Location.Longitude,
	}, nil
}
