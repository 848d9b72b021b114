// Package library indexes locally installed maps by content hash.
package library

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/domain/request"
)

const infoFile = "Info.dat"

// Difficulty is a locally installed difficulty.
type Difficulty struct {
	Characteristic string
	Difficulty     string
	NJS            float64
	Notes          int
}

// Map is a locally installed map.
type Map struct {
	Hash         string
	Dir          string
	SongName     string
	SongSubName  string
	SongAuthor   string
	LevelAuthor  string
	BPM          float64
	Difficulties []Difficulty
}

// infoDat is the subset of the map descriptor we read.
type infoDat struct {
	SongName       string  `json:"_songName"`
	SongSubName    string  `json:"_songSubName"`
	SongAuthorName string  `json:"_songAuthorName"`
	LevelAuthor    string  `json:"_levelAuthorName"`
	BPM            float64 `json:"_beatsPerMinute"`
	Sets           []struct {
		Characteristic string `json:"_beatmapCharacteristicName"`
		Beatmaps       []struct {
			Difficulty string  `json:"_difficulty"`
			Filename   string  `json:"_beatmapFilename"`
			NJS        float64 `json:"_noteJumpMovementSpeed"`
		} `json:"_difficultyBeatmaps"`
	} `json:"_difficultyBeatmapSets"`
}

// beatmapNotes covers both the v2 and v3 difficulty layouts.
type beatmapNotes struct {
	Notes      []json.RawMessage `json:"_notes"`
	ColorNotes []json.RawMessage `json:"colorNotes"`
}

// Library is an in-memory index of installed maps.
type Library struct {
	dir string

	mu     sync.RWMutex
	byHash map[string]*Map
}

// New creates a library rooted at the custom levels directory. An empty dir
// yields a library that never matches.
func New(dir string) *Library {
	return &Library{
		dir:    dir,
		byHash: make(map[string]*Map),
	}
}

// Dir returns the scanned directory.
func (l *Library) Dir() string {
	return l.dir
}

// Len returns the number of indexed maps.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byHash)
}

// ByHash looks up an installed map by content hash.
func (l *Library) ByHash(hash string) (*Map, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.byHash[request.NormalizeHash(hash)]
	return m, ok
}

// Refresh rescans the directory and swaps in the new index. Unreadable map
// folders are skipped with a warning.
func (l *Library) Refresh() error {
	if l.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read custom levels directory %s", l.dir)
	}

	byHash := make(map[string]*Map, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(l.dir, entry.Name())
		m, err := Scan(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				zlog.Warn().Msgf("library: skipping map folder: dir=%s error=%v", dir, err)
			}
			continue
		}
		byHash[m.Hash] = m
	}

	l.mu.Lock()
	l.byHash = byHash
	l.mu.Unlock()

	zlog.Info().Msgf("library: indexed maps=%d dir=%s", len(byHash), l.dir)
	return nil
}

// Scan reads one map folder. The content hash is the SHA-1 of Info.dat
// followed by every referenced difficulty file, in descriptor order.
func Scan(dir string) (*Map, error) {
	raw, err := os.ReadFile(filepath.Join(dir, infoFile))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read map descriptor")
	}

	var info infoDat
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, errors.Wrap(err, "failed to parse map descriptor")
	}

	h := sha1.New()
	h.Write(raw)

	m := &Map{
		Dir:         dir,
		SongName:    info.SongName,
		SongSubName: info.SongSubName,
		SongAuthor:  info.SongAuthorName,
		LevelAuthor: info.LevelAuthor,
		BPM:         info.BPM,
	}
	for _, set := range info.Sets {
		for _, bm := range set.Beatmaps {
			data, err := os.ReadFile(filepath.Join(dir, bm.Filename))
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read difficulty %s", bm.Filename)
			}
			h.Write(data)

			m.Difficulties = append(m.Difficulties, Difficulty{
				Characteristic: set.Characteristic,
				Difficulty:     bm.Difficulty,
				NJS:            bm.NJS,
				Notes:          countNotes(data),
			})
		}
	}
	m.Hash = strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
	return m, nil
}

func countNotes(data []byte) int {
	var n beatmapNotes
	if err := json.Unmarshal(data, &n); err != nil {
		return 0
	}
	if len(n.ColorNotes) > 0 {
		return len(n.ColorNotes)
	}
	return len(n.Notes)
}

// Merge overlays local data onto an entry resolved elsewhere. Local
// descriptors are authoritative for names and note jump speed; vote, upload
// and star data stay as resolved.
func (m *Map) Merge(e *request.Entry) {
	if m.SongName != "" {
		e.Title = m.SongName
	}
	e.SubTitle = m.SongSubName
	if m.SongAuthor != "" {
		e.Artist = m.SongAuthor
	}
	if m.LevelAuthor != "" {
		e.Mapper = m.LevelAuthor
	}
	e.Hash = m.Hash

	for _, local := range m.Difficulties {
		idx := -1
		for i := range e.Difficulties {
			if e.Difficulties[i].Characteristic == local.Characteristic && e.Difficulties[i].Difficulty == local.Difficulty {
				idx = i
				break
			}
		}
		if idx < 0 {
			e.Difficulties = append(e.Difficulties, request.Difficulty{
				Characteristic: local.Characteristic,
				Difficulty:     local.Difficulty,
			})
			idx = len(e.Difficulties) - 1
		}
		d := &e.Difficulties[idx]
		d.NJS = local.NJS
		if local.Notes > 0 && e.DurationSeconds > 0 {
			d.NPS = math.Round(float64(local.Notes)/float64(e.DurationSeconds)*100) / 100
		}
	}
}
