// Package responder models the people and facilities that are notified when
// a subject is escalated, and ranks facilities by distance.
package responder

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
)

const earthRadiusKM = 6371.0

// DefaultLimit bounds Rank output when no limit is requested.
const DefaultLimit = 5

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// IsZero reports whether no coordinates were provided.
func (l Location) IsZero() bool {
	return l.Lat == 0 && l.Lon == 0
}

// Validate checks coordinate ranges.
func (l Location) Validate() error {
	if math.IsNaN(l.Lat) || l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", l.Lat)
	}
	if math.IsNaN(l.Lon) || l.Lon < -180 || l.Lon > 180 {
		return fmt.Errorf("longitude %v out of range", l.Lon)
	}
	return nil
}

// Capability is a facility feature used for filtering.
type Capability string

const (
	CapabilityAmbulance   Capability = "ambulance"
	CapabilityCardiacUnit Capability = "cardiac_unit"
	CapabilityEmergency   Capability = "emergency"
)

// ParseCapabilities maps names onto capabilities, rejecting unknown values.
func ParseCapabilities(names []string) ([]Capability, error) {
	out := make([]Capability, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		switch c := Capability(name); c {
		case CapabilityAmbulance, CapabilityCardiacUnit, CapabilityEmergency:
			out = append(out, c)
		default:
			return nil, fmt.Errorf("unknown capability %q", name)
		}
	}
	return out, nil
}

// Facility is a care provider that can be dispatched to.
type Facility struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Location     Location          `json:"location" yaml:"location"`
	Capabilities []Capability      `json:"capabilities" yaml:"capabilities"`
	Phone        string            `json:"phone,omitempty" yaml:"phone"`
	Addresses    map[string]string `json:"addresses,omitempty" yaml:"addresses"`
}

// Has reports whether the facility offers c.
func (f Facility) Has(c Capability) bool {
	for _, existing := range f.Capabilities {
		if existing == c {
			return true
		}
	}
	return false
}

// Address returns the facility's address for a channel kind. The phone number
// doubles as the SMS address.
func (f Facility) Address(kind string) string {
	if addr := strings.TrimSpace(f.Addresses[kind]); addr != "" {
		return addr
	}
	if kind == "sms" {
		return strings.TrimSpace(f.Phone)
	}
	return ""
}

// Contact is a person registered for a subject. Lower Priority is notified
// first.
type Contact struct {
	ID        string            `json:"id" yaml:"id"`
	Subject   string            `json:"subject" yaml:"subject"`
	Name      string            `json:"name" yaml:"name"`
	Priority  int               `json:"priority" yaml:"priority"`
	Addresses map[string]string `json:"addresses,omitempty" yaml:"addresses"`
}

// Address returns the contact's address for a channel kind.
func (c Contact) Address(kind string) string {
	return strings.TrimSpace(c.Addresses[kind])
}

// SortContacts orders contacts by ascending priority, keeping input order for
// ties.
func SortContacts(contacts []Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return contacts[i].Priority < contacts[j].Priority
	})
}

// Directory is the read-only responder source.
type Directory interface {
	Facilities(ctx context.Context) ([]Facility, error)
	Contacts(ctx context.Context, subject string) ([]Contact, error)
}

// RankOptions tune Rank.
type RankOptions struct {
	Limit    int
	Required []Capability
}

// RankedFacility is a facility with its distance from the origin.
type RankedFacility struct {
	Facility   Facility `json:"facility"`
	DistanceKM float64  `json:"distance_km"`
}

// Rank filters facilities by required capabilities, sorts them by great-circle
// distance from origin and truncates to the limit. Equal distances keep input
// order. The input slice is not modified.
func Rank(facilities []Facility, origin Location, opts RankOptions) []RankedFacility {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	ranked := make([]RankedFacility, 0, len(facilities))
	for _, f := range facilities {
		if !hasAll(f, opts.Required) {
			continue
		}
		ranked = append(ranked, RankedFacility{
			Facility:   f,
			DistanceKM: Haversine(origin, f.Location),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DistanceKM < ranked[j].DistanceKM
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func hasAll(f Facility, required []Capability) bool {
	for _, c := range required {
		if !f.Has(c) {
			return false
		}
	}
	return true
}

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(h)))
}
