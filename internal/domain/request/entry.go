// Package request provides the map request domain entity.
package request

import (
	"regexp"
	"strings"
)

// Mod flags carried by a difficulty.
const (
	ModNoodleExtensions uint32 = 1 << iota
	ModMappingExtensions
	ModChroma
	ModCinema
	ModVivify
)

// WipTitle is the title given to placeholder entries for work-in-progress maps.
const WipTitle = "WIP Map"

var keyPattern = regexp.MustCompile(`^[0-9a-f]{1,8}$`)

// Votes represents the up/down vote counts of a map.
type Votes struct {
	Up   int `json:"up"`
	Down int `json:"down"`
}

// Difficulty represents one playable difficulty of a map.
type Difficulty struct {
	Characteristic  string  `json:"characteristic"`  // Standard, OneSaber, Lawless, ...
	Difficulty      string  `json:"difficulty"`      // Easy .. ExpertPlus
	NJS             float64 `json:"njs"`             // Note jump speed
	NPS             float64 `json:"nps"`             // Notes per second
	Mods            uint32  `json:"mods"`            // Mod bitmask
	ScoreSaberStars float64 `json:"scoreSaberStars"` // 0 when unranked
	BeatLeaderStars float64 `json:"beatLeaderStars"` // 0 when unranked
}

// Entry represents one pending or acted-on map request.
type Entry struct {
	Key             string       `json:"key"`
	Hash            string       `json:"hash,omitempty"`
	Title           string       `json:"title"`
	SubTitle        string       `json:"subTitle,omitempty"`
	Artist          string       `json:"artist"`
	Mapper          string       `json:"mapper"`
	DurationSeconds int          `json:"duration"`
	Votes           Votes        `json:"votes"`
	Rating          float64      `json:"rating"`
	UploadTime      int64        `json:"uploadTime"`
	CoverRef        string       `json:"cover,omitempty"`
	Difficulties    []Difficulty `json:"diffs"`
	RequestedBy     string       `json:"user,omitempty"`
	Service         string       `json:"service,omitempty"`
	IsWip           bool         `json:"wip"`
	Source          string       `json:"source,omitempty"` // resolver source that produced the entry

	// CoverImage is fetched lazily and never persisted or serialised.
	CoverImage []byte `json:"-"`
}

// PersistedEntry is the tuple written to the queue snapshot.
type PersistedEntry struct {
	Key     string `json:"key"`
	User    string `json:"user,omitempty"`
	Service string `json:"service,omitempty"`
	IsWip   bool   `json:"isWip"`
}

// NormalizeKey lower-cases and trims a request key.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsValidKey reports whether key is a well-formed hexadecimal map key.
func IsValidKey(key string) bool {
	return keyPattern.MatchString(NormalizeKey(key))
}

// NormalizeHash upper-cases a content hash.
func NormalizeHash(hash string) string {
	return strings.ToUpper(strings.TrimSpace(hash))
}

// NewWip creates a placeholder entry for a work-in-progress map.
func NewWip(urlOrCode, user, service string) *Entry {
	return &Entry{
		Key:         urlOrCode,
		Title:       WipTitle,
		RequestedBy: user,
		Service:     service,
		IsWip:       true,
	}
}

// MatchesKey compares the entry key case-insensitively.
func (e *Entry) MatchesKey(key string) bool {
	return strings.EqualFold(e.Key, strings.TrimSpace(key))
}

// RequestedByUser compares the requester case-insensitively.
func (e *Entry) RequestedByUser(user string) bool {
	return e.RequestedBy != "" && strings.EqualFold(e.RequestedBy, user)
}

// Persisted returns the snapshot tuple for the entry.
func (e *Entry) Persisted() PersistedEntry {
	return PersistedEntry{
		Key:     e.Key,
		User:    e.RequestedBy,
		Service: e.Service,
		IsWip:   e.IsWip,
	}
}

// Clone returns a copy that does not share the difficulty slice.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Difficulties != nil {
		c.Difficulties = make([]Difficulty, len(e.Difficulties))
		copy(c.Difficulties, e.Difficulties)
	}
	return &c
}

// StripWipData enforces that WIP entries carry no difficulty or star data.
func (e *Entry) StripWipData() {
	if e.IsWip {
		e.Difficulties = nil
		e.Hash = ""
	}
}
