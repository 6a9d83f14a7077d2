package domain

import "context"

// GeocodingResult contains place details returned by a geocoding provider.
type GeocodingResult struct {
	FormattedAddress string
	PlaceName        string
	City             string
	State            string
	ZipCode          string
	Confidence       float64 // 0.0–1.0 provider confidence score
}

// Empty reports whether the provider returned nothing usable.
func (r GeocodingResult) Empty() bool {
	return r.FormattedAddress == "" && r.City == "" && r.State == "" && r.ZipCode == ""
}

// Geocoder resolves outage coordinates to a postal address.
type Geocoder interface {
	// ReverseGeocode converts coordinates to place details.
	ReverseGeocode(ctx context.Context, lat, lng float64) (GeocodingResult, error)
}
