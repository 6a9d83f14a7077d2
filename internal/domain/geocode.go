package domain

import (
	"context"
	"log/slog"
)

// Metadata keys written by geocoding enrichment.
const (
	MetaGeoSource     = "geo_source" // "reverse", "reporter", "failed", "none"
	MetaGeoConfidence = "geo_confidence"
	MetaPlaceName     = "place_name"
)

// EnrichWithGeocoding fills the address fields of a report from its coordinates.
// Reports that already carry address details are left alone, and a nil geocoder or a
// failed lookup returns the report unchanged apart from the geo_source marker
// (graceful degradation: geocoding never blocks a report).
func EnrichWithGeocoding(ctx context.Context, report Report, geocoder Geocoder, logger *slog.Logger) Report {
	if geocoder == nil {
		return report
	}
	if report.HasAddress() {
		report.Metadata = withMeta(report.Metadata, MetaGeoSource, "reporter")
		return report
	}

	result, err := geocoder.ReverseGeocode(ctx, report.Location.Lat, report.Location.Lng)
	if err != nil {
		logger.Warn("reverse geocoding failed",
			"reporter_id", report.ReporterID,
			"lat", report.Location.Lat,
			"lng", report.Location.Lng,
			"error", err,
		)
		report.Metadata = withMeta(report.Metadata, MetaGeoSource, "failed")
		return report
	}
	if result.Empty() {
		report.Metadata = withMeta(report.Metadata, MetaGeoSource, "none")
		return report
	}

	report.Address = result.FormattedAddress
	report.City = result.City
	report.State = result.State
	report.ZipCode = result.ZipCode
	report.Metadata = withMeta(report.Metadata, MetaGeoSource, "reverse")
	report.Metadata[MetaGeoConfidence] = result.Confidence
	if result.PlaceName != "" {
		report.Metadata[MetaPlaceName] = result.PlaceName
	}
	return report
}

// withMeta sets key on a copy of m so callers never mutate a shared map.
func withMeta(m map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}
