// Package geo indexes active outage locations and answers radius and bounding-box queries.
package geo

import (
	"fmt"
	"math"

	"github.com/couchcryptid/outage-engine/internal/domain"
)

// EarthRadiusMeters is the IUGG mean Earth radius.
const EarthRadiusMeters = 6371008.8

const degToRad = math.Pi / 180

// Distance returns the great-circle distance in meters between a and b (haversine).
func Distance(a, b domain.Point) float64 {
	lat1 := a.Lat * degToRad
	lat2 := b.Lat * degToRad
	dLat := (b.Lat - a.Lat) * degToRad
	dLng := (b.Lng - a.Lng) * degToRad

	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	if s > 1 {
		s = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(s))
}

// Box is a latitude/longitude rectangle. MinLng > MaxLng means the box crosses the
// antimeridian, e.g. {MinLng: 170, MaxLng: -170} spans 20 degrees around ±180.
type Box struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
}

// Validate rejects non-finite or out-of-range corners and inverted latitudes.
func (b Box) Validate() error {
	if err := (domain.Point{Lat: b.MinLat, Lng: b.MinLng}).Validate(); err != nil {
		return err
	}
	if err := (domain.Point{Lat: b.MaxLat, Lng: b.MaxLng}).Validate(); err != nil {
		return err
	}
	if b.MinLat > b.MaxLat {
		return fmt.Errorf("%w: min latitude %g above max latitude %g", domain.ErrInvalidArgument, b.MinLat, b.MaxLat)
	}
	return nil
}

// Wraps reports whether the box crosses the antimeridian.
func (b Box) Wraps() bool {
	return b.MinLng > b.MaxLng
}

// Contains reports whether p lies inside the box, honoring wraparound.
func (b Box) Contains(p domain.Point) bool {
	if p.Lat < b.MinLat || p.Lat > b.MaxLat {
		return false
	}
	if b.Wraps() {
		return p.Lng >= b.MinLng || p.Lng <= b.MaxLng
	}
	return p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// Split returns non-wrapping pieces that together cover the box.
func (b Box) Split() []Box {
	if !b.Wraps() {
		return []Box{b}
	}
	return []Box{
		{MinLat: b.MinLat, MinLng: b.MinLng, MaxLat: b.MaxLat, MaxLng: 180},
		{MinLat: b.MinLat, MinLng: -180, MaxLat: b.MaxLat, MaxLng: b.MaxLng},
	}
}

// Around returns the bounding box of the circle of radiusMeters around center.
// Circles reaching a pole span every longitude.
func Around(center domain.Point, radiusMeters float64) Box {
	angular := radiusMeters / EarthRadiusMeters
	if angular >= math.Pi {
		return Box{MinLat: -90, MinLng: -180, MaxLat: 90, MaxLng: 180}
	}

	dLat := angular / degToRad
	minLat := center.Lat - dLat
	maxLat := center.Lat + dLat
	if minLat <= -90 || maxLat >= 90 {
		return Box{MinLat: math.Max(minLat, -90), MinLng: -180, MaxLat: math.Min(maxLat, 90), MaxLng: 180}
	}

	ratio := math.Sin(angular) / math.Cos(center.Lat*degToRad)
	if ratio >= 1 || math.IsNaN(ratio) {
		return Box{MinLat: minLat, MinLng: -180, MaxLat: maxLat, MaxLng: 180}
	}
	dLng := math.Asin(ratio) / degToRad
	minLng := center.Lng - dLng
	maxLng := center.Lng + dLng
	if dLng >= 180 {
		minLng, maxLng = -180, 180
	} else {
		if minLng < -180 {
			minLng += 360
		}
		if maxLng > 180 {
			maxLng -= 360
		}
	}
	return Box{MinLat: minLat, MinLng: minLng, MaxLat: maxLat, MaxLng: maxLng}
}

// ValidateRadius rejects non-finite centers and negative or non-finite radii.
func ValidateRadius(center domain.Point, radiusMeters float64) error {
	if err := center.Validate(); err != nil {
		return err
	}
	if math.IsNaN(radiusMeters) || math.IsInf(radiusMeters, 0) || radiusMeters < 0 {
		return fmt.Errorf("%w: radius must be a non-negative finite number of meters", domain.ErrInvalidArgument)
	}
	return nil
}
