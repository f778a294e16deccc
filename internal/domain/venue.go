package domain

import (
	"fmt"
	"strings"
)

// Venue is the closed set of exchanges the system can trade on.
type Venue uint8

const (
	VenueUnknown Venue = iota
	VenueUpbit
	VenueBybit
)

// Role distinguishes the home-currency spot venue from the foreign margin venue.
type Role uint8

const (
	RoleHome Role = iota + 1
	RoleForeign
)

var venueNames = map[Venue]string{
	VenueUpbit: "UPBIT",
	VenueBybit: "BYBIT",
}

// ParseVenue resolves a configured venue name. It is called once at config
// load; nothing downstream looks venues up by string.
func ParseVenue(s string) (Venue, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UPBIT":
		return VenueUpbit, nil
	case "BYBIT":
		return VenueBybit, nil
	}
	return VenueUnknown, fmt.Errorf("%w: %q", ErrUnknownVenue, s)
}

func (v Venue) String() string {
	if n, ok := venueNames[v]; ok {
		return n
	}
	return "UNKNOWN"
}

// Role reports which side of the conversion the venue plays.
func (v Venue) Role() Role {
	switch v {
	case VenueUpbit:
		return RoleHome
	case VenueBybit:
		return RoleForeign
	}
	return 0
}

func (v Venue) MarshalText() ([]byte, error) {
	if v == VenueUnknown {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVenue, v)
	}
	return []byte(v.String()), nil
}

func (v *Venue) UnmarshalText(b []byte) error {
	parsed, err := ParseVenue(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Triple is one unit of pricing work: an asset quoted across a venue pair.
type Triple struct {
	Home    Venue  `json:"home"`
	Foreign Venue  `json:"foreign"`
	Asset   string `json:"asset"`
}

func (t Triple) String() string {
	return t.Home.String() + "/" + t.Foreign.String() + "/" + t.Asset
}

// VenuePair is a configured (home, foreign) combination.
type VenuePair struct {
	Home    Venue
	Foreign Venue
}
