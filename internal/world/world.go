// Package world describes the game-server instances tracked by the census:
// their identifiers, the market each belongs to, and ruleset metadata.
package world

import (
	"encoding/json"
	"regexp"
	"sort"
)

// World is one row of the world metadata table.
type World struct {
	ID        string          `db:"world" json:"world"`
	Speed     float64         `db:"speed" json:"speed"`
	UnitSpeed float64         `db:"unit_speed" json:"unit_speed"`
	Moral     int             `db:"moral" json:"moral"`
	Config    json.RawMessage `db:"config" json:"config"`
}

// Language returns the two-letter market code the world belongs to.
func (w World) Language() string {
	return Language(w.ID)
}

// Language returns the market code prefix of a world identifier.
func Language(id string) string {
	if len(id) < 2 {
		return ""
	}
	return id[:2]
}

// idPattern matches world identifiers inside a discovery payload: two letters,
// an optional type letter, then the server number.
var idPattern = regexp.MustCompile(`([a-z]{2}([a-z])?\d+)`)

var validID = regexp.MustCompile(`^[a-z]{2}[a-z]?\d+$`)

// ValidID reports whether id is a well-formed world identifier that fits the
// world column.
func ValidID(id string) bool {
	return len(id) <= 6 && validID.MatchString(id)
}

// Listing is one world found in a discovery feed.
type Listing struct {
	ID   string
	Flag string // optional type letter; "s" marks a speed server
}

// Speed reports whether the listing is a speed-variant server.
func (l Listing) Speed() bool {
	return l.Flag == "s"
}

// ParseListing extracts world listings from a discovery payload. Duplicates
// keep their first position; a later occurrence overrides the flag.
func ParseListing(text string) []Listing {
	matches := idPattern.FindAllStringSubmatch(text, -1)
	pos := make(map[string]int, len(matches))
	var out []Listing
	for _, m := range matches {
		if i, ok := pos[m[1]]; ok {
			out[i].Flag = m[2]
			continue
		}
		pos[m[1]] = len(out)
		out = append(out, Listing{ID: m[1], Flag: m[2]})
	}
	return out
}

// Sorted returns a sorted copy of ids.
func Sorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
