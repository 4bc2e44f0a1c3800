// Package profile provides PostgreSQL-backed storage for user profiles:
// matching attributes, premium filters, sanction window, pattern state,
// presence, and lifetime counters. The schema is owned by the account
// service; this package only reads and writes the fields the pairing
// core needs.
package profile

import "time"

// Gender is the binary matching attribute used by the gender gate.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Opposite returns the other binary gender.
func (g Gender) Opposite() Gender {
	if g == GenderMale {
		return GenderFemale
	}
	return GenderMale
}

// Presence values written back to the profile record.
const (
	PresenceOnline    = "online"
	PresenceSearching = "searching"
	PresenceInChat    = "in_chat"
)

// Profile is a user's profile record as seen by the pairing core.
// FilterGender and FilterRegion are nil when the user has no preference;
// they are only honored for paid, unsanctioned users.
type Profile struct {
	ID           string
	DisplayName  string
	Gender       Gender
	Region       string
	IsPaid       bool
	FilterGender *Gender
	FilterRegion *string
	Presence     string
	BanUntil     *time.Time
	ReportCount  int
	MatchCount   int

	// PatternSeed selects one of the fixed gate sequences;
	// PatternPosition is the current index, advanced by exactly one on
	// every match this user initiates.
	PatternSeed     int
	PatternPosition int
}

// Sanctioned reports whether the user is under an active ban at the
// given instant. An active ban never blocks enqueue or dequeue; it only
// throttles match probability.
func (p *Profile) Sanctioned(now time.Time) bool {
	return p.BanUntil != nil && p.BanUntil.After(now)
}

// Public is the profile slice shared with the matched peer's UI.
type Public struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Gender      Gender `json:"gender"`
	Region      string `json:"region"`
}

// Public returns the peer-visible slice of the profile.
func (p *Profile) Public() Public {
	return Public{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Gender:      p.Gender,
		Region:      p.Region,
	}
}
