// Package metacache provides the persisted map metadata snapshot, indexed by
// numeric key and by content hash.
package metacache

import (
	"math"
	"strconv"
	"strings"

	"github.com/osa030/mapreq/internal/domain/request"
)

// RankedStatus is a bitmask of scoring services a difficulty is ranked on.
type RankedStatus uint32

const (
	RankedScoreSaber RankedStatus = 1 << iota
	RankedBeatLeader
)

// DifficultyRecord holds per-difficulty technical data.
type DifficultyRecord struct {
	Characteristic  string
	Difficulty      string
	NJS             float32
	Notes           uint32
	Mods            uint32
	Ranked          RankedStatus
	ScoreSaberStars float32
	BeatLeaderStars float32
}

// Record is an immutable snapshot entry for one map.
type Record struct {
	Key             uint32
	Hash            string // upper-case hex SHA-1
	Title           string
	SubTitle        string
	Artist          string
	Mapper          string
	DurationSeconds uint32
	Upvotes         uint32
	Downvotes       uint32
	UploadedUnix    int64
	BPM             float32
	Difficulties    []DifficultyRecord
}

// HexKey returns the request key form of the numeric key.
func (r *Record) HexKey() string {
	return strconv.FormatUint(uint64(r.Key), 16)
}

// Rating returns the vote based rating in [0,1], using the same weighting as
// the map host: small vote totals are pulled towards 0.5.
func (r *Record) Rating() float64 {
	total := float64(r.Upvotes) + float64(r.Downvotes)
	if total == 0 {
		return 0
	}
	score := float64(r.Upvotes) / total
	return score - (score-0.5)*math.Pow(2, -math.Log10(total+1))
}

// CoverURL returns the CDN cover image location for the record.
func (r *Record) CoverURL() string {
	if r.Hash == "" {
		return ""
	}
	return "https://cdn.beatsaver.com/" + strings.ToLower(r.Hash) + ".jpg"
}

// ToEntry converts the record into a queue entry.
func (r *Record) ToEntry() *request.Entry {
	e := &request.Entry{
		Key:             r.HexKey(),
		Hash:            r.Hash,
		Title:           r.Title,
		SubTitle:        r.SubTitle,
		Artist:          r.Artist,
		Mapper:          r.Mapper,
		DurationSeconds: int(r.DurationSeconds),
		Votes:           request.Votes{Up: int(r.Upvotes), Down: int(r.Downvotes)},
		Rating:          r.Rating(),
		UploadTime:      r.UploadedUnix,
		CoverRef:        r.CoverURL(),
		Difficulties:    make([]request.Difficulty, 0, len(r.Difficulties)),
	}
	for _, d := range r.Difficulties {
		var nps float64
		if r.DurationSeconds > 0 {
			nps = float64(d.Notes) / float64(r.DurationSeconds)
		}
		diff := request.Difficulty{
			Characteristic: d.Characteristic,
			Difficulty:     d.Difficulty,
			NJS:            float64(d.NJS),
			NPS:            math.Round(nps*100) / 100,
			Mods:           d.Mods,
		}
		if d.Ranked&RankedScoreSaber != 0 {
			diff.ScoreSaberStars = float64(d.ScoreSaberStars)
		}
		if d.Ranked&RankedBeatLeader != 0 {
			diff.BeatLeaderStars = float64(d.BeatLeaderStars)
		}
		e.Difficulties = append(e.Difficulties, diff)
	}
	return e
}
