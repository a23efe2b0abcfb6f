// Package geoip provides optional source-address country enrichment.
package geoip

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Resolver answers country lookups from a MaxMind database. A nil Resolver
// is valid and resolves every address to the empty string, so callers never
// need to branch on whether enrichment is configured.
type Resolver struct {
	reader *geoip2.Reader
}

// Open loads a GeoIP2/GeoLite2 database from disk
func Open(path string) (*Resolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database %s: %w", path, err)
	}
	return &Resolver{reader: reader}, nil
}

// Country returns the ISO country code for an IP address, or "" when the
// resolver is disabled, the address is unparsable, or the database has no
// record for it.
func (r *Resolver) Country(addr string) string {
	if r == nil || r.reader == nil {
		return ""
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	record, err := r.reader.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// Close releases the underlying database
func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
