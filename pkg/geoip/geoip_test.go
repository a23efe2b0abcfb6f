package geoip_test

import (
	"testing"

	"github.com/deadlockssh/deadlockssh/pkg/geoip"
)

// TestNilResolver tests that a nil resolver is safe to use
func TestNilResolver(t *testing.T) {
	var r *geoip.Resolver

	if got := r.Country("203.0.113.7"); got != "" {
		t.Errorf("expected empty country from nil resolver, got %q", got)
	}
	if err := r.Close(); err != nil {
		t.Errorf("expected nil error closing nil resolver, got %v", err)
	}
}

// TestOpenMissingDatabase tests that a missing database is an error
func TestOpenMissingDatabase(t *testing.T) {
	if _, err := geoip.Open("/nonexistent/GeoLite2-Country.mmdb"); err == nil {
		t.Error("expected error opening missing database")
	}
}
