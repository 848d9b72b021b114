package library

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/mapreq/internal/domain/request"
)

const testInfo = `{
	"_songName": "Local Song",
	"_songSubName": "Local Sub",
	"_songAuthorName": "Local Artist",
	"_levelAuthorName": "Local Mapper",
	"_beatsPerMinute": 140,
	"_difficultyBeatmapSets": [{
		"_beatmapCharacteristicName": "Standard",
		"_difficultyBeatmaps": [
			{"_difficulty": "Expert", "_beatmapFilename": "ExpertStandard.dat", "_noteJumpMovementSpeed": 19},
			{"_difficulty": "ExpertPlus", "_beatmapFilename": "ExpertPlusStandard.dat", "_noteJumpMovementSpeed": 22}
		]
	}]
}`

const (
	v2Difficulty = `{"_notes":[{},{},{},{}]}`
	v3Difficulty = `{"colorNotes":[{},{},{},{},{},{}]}`
)

func writeMap(t *testing.T, dir string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Info.dat"), []byte(testInfo), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ExpertStandard.dat"), []byte(v2Difficulty), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ExpertPlusStandard.dat"), []byte(v3Difficulty), 0644))

	h := sha1.New()
	h.Write([]byte(testInfo))
	h.Write([]byte(v2Difficulty))
	h.Write([]byte(v3Difficulty))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

func TestScan(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "1a2b (Local Song - Local Mapper)")
	want := writeMap(t, dir)

	m, err := Scan(dir)
	require.NoError(t, err)

	assert.Equal(t, want, m.Hash)
	assert.Equal(t, "Local Song", m.SongName)
	assert.Equal(t, 140.0, m.BPM)
	require.Len(t, m.Difficulties, 2)
	assert.Equal(t, 4, m.Difficulties[0].Notes)
	assert.Equal(t, 6, m.Difficulties[1].Notes)
	assert.Equal(t, 22.0, m.Difficulties[1].NJS)
}

func TestScan_MissingDifficulty(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, "ExpertPlusStandard.dat")))

	_, err := Scan(dir)
	assert.Error(t, err)
}

func TestLibrary_Refresh(t *testing.T) {
	root := t.TempDir()
	hash := writeMap(t, filepath.Join(root, "1a2b (Local Song)"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty folder"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0644))

	lib := New(root)
	require.NoError(t, lib.Refresh())
	assert.Equal(t, 1, lib.Len())

	m, ok := lib.ByHash(strings.ToLower(hash))
	require.True(t, ok)
	assert.Equal(t, "Local Mapper", m.LevelAuthor)

	_, ok = lib.ByHash("0000000000000000000000000000000000000000")
	assert.False(t, ok)
}

func TestLibrary_EmptyDir(t *testing.T) {
	lib := New("")
	require.NoError(t, lib.Refresh())
	assert.Zero(t, lib.Len())

	lib = New(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, lib.Refresh())
}

func TestMap_Merge(t *testing.T) {
	m := &Map{
		Hash:        "ABC",
		SongName:    "Local Song",
		SongAuthor:  "Local Artist",
		LevelAuthor: "Local Mapper",
		Difficulties: []Difficulty{
			{Characteristic: "Standard", Difficulty: "Expert", NJS: 19, Notes: 600},
			{Characteristic: "Lawless", Difficulty: "Easy", NJS: 10},
		},
	}
	e := &request.Entry{
		Key:             "1a2b",
		Title:           "Cached Song",
		DurationSeconds: 120,
		Votes:           request.Votes{Up: 5},
		Difficulties: []request.Difficulty{
			{Characteristic: "Standard", Difficulty: "Expert", NJS: 18, NPS: 4, ScoreSaberStars: 7.5},
		},
	}

	m.Merge(e)

	assert.Equal(t, "Local Song", e.Title)
	assert.Equal(t, "Local Mapper", e.Mapper)
	assert.Equal(t, "ABC", e.Hash)
	assert.Equal(t, 5, e.Votes.Up)
	require.Len(t, e.Difficulties, 2)
	assert.Equal(t, 19.0, e.Difficulties[0].NJS)
	assert.Equal(t, 5.0, e.Difficulties[0].NPS)
	assert.Equal(t, 7.5, e.Difficulties[0].ScoreSaberStars)
	assert.Equal(t, "Lawless", e.Difficulties[1].Characteristic)
}
