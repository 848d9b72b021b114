// Package beatsaver provides a client for the BeatSaver map API.
package beatsaver

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/domain/request"
)

// ErrNotFound is returned when the API has no map for the key.
var ErrNotFound = errors.New("map not found")

// Client is a BeatSaver API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config represents BeatSaver client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DiffStars holds the star ratings of one difficulty.
type DiffStars struct {
	Characteristic  string  `json:"characteristic"`
	Difficulty      string  `json:"difficulty"`
	ScoreSaberStars float64 `json:"scoreSaberStars"`
	BeatLeaderStars float64 `json:"beatLeaderStars"`
}

// MapDetail represents the response from the maps/id endpoint.
type MapDetail struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Uploader    struct {
		Name string `json:"name"`
	} `json:"uploader"`
	Metadata struct {
		BPM             float64 `json:"bpm"`
		Duration        int     `json:"duration"`
		SongName        string  `json:"songName"`
		SongSubName     string  `json:"songSubName"`
		SongAuthorName  string  `json:"songAuthorName"`
		LevelAuthorName string  `json:"levelAuthorName"`
	} `json:"metadata"`
	Stats struct {
		Upvotes   int     `json:"upvotes"`
		Downvotes int     `json:"downvotes"`
		Score     float64 `json:"score"`
	} `json:"stats"`
	Uploaded time.Time    `json:"uploaded"`
	Ranked   bool         `json:"ranked"`
	BLRanked bool         `json:"blRanked"`
	Versions []MapVersion `json:"versions"`
}

// MapVersion is one published version of a map.
type MapVersion struct {
	Hash     string    `json:"hash"`
	State    string    `json:"state"`
	CoverURL string    `json:"coverURL"`
	Diffs    []MapDiff `json:"diffs"`
}

// MapDiff is one difficulty of a map version.
type MapDiff struct {
	NJS            float64 `json:"njs"`
	Notes          int     `json:"notes"`
	NPS            float64 `json:"nps"`
	Characteristic string  `json:"characteristic"`
	Difficulty     string  `json:"difficulty"`
	Chroma         bool    `json:"chroma"`
	ME             bool    `json:"me"`
	NE             bool    `json:"ne"`
	Cinema         bool    `json:"cinema"`
	Vivify         bool    `json:"vivify"`
	Stars          float64 `json:"stars"`
	BLStars        float64 `json:"blStars"`
}

type apiError struct {
	Error string `json:"error"`
}

// New creates a new BeatSaver client.
func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.beatsaver.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// MapByID retrieves a map by its request key.
func (c *Client) MapByID(ctx context.Context, key string) (*MapDetail, error) {
	key = request.NormalizeKey(key)
	if key == "" {
		return nil, errors.New("key is required")
	}

	body, err := c.get(ctx, "/maps/id/"+url.PathEscape(key))
	if err != nil {
		return nil, err
	}

	var detail MapDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, errors.Wrap(err, "failed to parse response")
	}
	if len(detail.Versions) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "map %s has no published version", key)
	}
	return &detail, nil
}

// Entry retrieves a map and converts it into a queue entry.
func (c *Client) Entry(ctx context.Context, key string) (*request.Entry, error) {
	detail, err := c.MapByID(ctx, key)
	if err != nil {
		return nil, err
	}
	return detail.ToEntry(), nil
}

// Description retrieves the uploader's description for a map.
func (c *Client) Description(ctx context.Context, key string) (string, error) {
	detail, err := c.MapByID(ctx, key)
	if err != nil {
		return "", err
	}
	return detail.Description, nil
}

// Stars retrieves the current star ratings for the latest version of a map.
func (c *Client) Stars(ctx context.Context, key string) ([]DiffStars, error) {
	detail, err := c.MapByID(ctx, key)
	if err != nil {
		return nil, err
	}
	latest := detail.Versions[0]
	stars := make([]DiffStars, 0, len(latest.Diffs))
	for _, d := range latest.Diffs {
		stars = append(stars, DiffStars{
			Characteristic:  d.Characteristic,
			Difficulty:      d.Difficulty,
			ScoreSaberStars: d.Stars,
			BeatLeaderStars: d.BLStars,
		})
	}
	return stars, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	reqURL := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.Wrapf(ErrNotFound, "GET %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
			return nil, errors.Errorf("beatsaver API error %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, errors.Errorf("beatsaver API error %d", resp.StatusCode)
	}

	zlog.Debug().Msgf("beatsaver: GET %s bytes=%d", path, len(body))
	return body, nil
}

// ToEntry converts the map detail into a queue entry using the latest version.
func (d *MapDetail) ToEntry() *request.Entry {
	e := &request.Entry{
		Key:             request.NormalizeKey(d.ID),
		Title:           d.Metadata.SongName,
		SubTitle:        d.Metadata.SongSubName,
		Artist:          d.Metadata.SongAuthorName,
		Mapper:          d.Metadata.LevelAuthorName,
		DurationSeconds: d.Metadata.Duration,
		Votes:           request.Votes{Up: d.Stats.Upvotes, Down: d.Stats.Downvotes},
		Rating:          d.Stats.Score,
		UploadTime:      d.Uploaded.Unix(),
	}
	if e.Mapper == "" {
		e.Mapper = d.Uploader.Name
	}
	if d.Uploaded.IsZero() {
		e.UploadTime = 0
	}
	if len(d.Versions) == 0 {
		return e
	}

	latest := d.Versions[0]
	e.Hash = request.NormalizeHash(latest.Hash)
	e.CoverRef = latest.CoverURL
	e.Difficulties = make([]request.Difficulty, 0, len(latest.Diffs))
	for _, diff := range latest.Diffs {
		nps := diff.NPS
		if nps == 0 && d.Metadata.Duration > 0 {
			nps = float64(diff.Notes) / float64(d.Metadata.Duration)
		}
		out := request.Difficulty{
			Characteristic: diff.Characteristic,
			Difficulty:     diff.Difficulty,
			NJS:            diff.NJS,
			NPS:            math.Round(nps*100) / 100,
			Mods:           diff.mods(),
		}
		if d.Ranked {
			out.ScoreSaberStars = diff.Stars
		}
		if d.BLRanked {
			out.BeatLeaderStars = diff.BLStars
		}
		e.Difficulties = append(e.Difficulties, out)
	}
	return e
}

func (d MapDiff) mods() uint32 {
	var m uint32
	if d.NE {
		m |= request.ModNoodleExtensions
	}
	if d.ME {
		m |= request.ModMappingExtensions
	}
	if d.Chroma {
		m |= request.ModChroma
	}
	if d.Cinema {
		m |= request.ModCinema
	}
	if d.Vivify {
		m |= request.ModVivify
	}
	return m
}
