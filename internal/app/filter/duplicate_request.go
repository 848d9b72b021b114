package filter

import (
	"context"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/domain/request"
)

// DuplicateRequestConfig represents the configuration for DuplicateRequestFilter.
type DuplicateRequestConfig struct {
	// MatchTitle also rejects a different key whose normalized title and
	// artist match a queued map (re-uploads, "v2" versions).
	MatchTitle bool `yaml:"match_title" mapstructure:"match_title"`
}

// DuplicateRequestFilter checks for maps that are already queued.
// Detects:
// - Same key (case-insensitive)
// - Same content hash under a different key
// - Optionally, re-uploads with the same normalized title and artist
type DuplicateRequestFilter struct {
	config DuplicateRequestConfig
}

// NewDuplicateRequestFilter creates a new duplicate request filter.
func NewDuplicateRequestFilter() *DuplicateRequestFilter {
	return &DuplicateRequestFilter{}
}

// Name returns the filter name.
func (f *DuplicateRequestFilter) Name() string {
	return "duplicate_request_filter"
}

// Description returns the filter description.
func (f *DuplicateRequestFilter) Description() string {
	return "Rejects maps already waiting in the queue, including re-uploads of the same content"
}

// ReturnCodes returns possible return codes.
func (f *DuplicateRequestFilter) ReturnCodes() []string {
	return []string{"duplicate_request"}
}

// AppliesTo returns which request kinds this filter applies to.
func (f *DuplicateRequestFilter) AppliesTo(kind Kind) bool {
	return true
}

// ValidateConfig validates the filter configuration.
func (f *DuplicateRequestFilter) ValidateConfig(settings map[string]any) error {
	var config DuplicateRequestConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return errors.Wrap(err, "failed to decode settings")
	}
	f.config = config
	zlog.Info().Msgf("duplicate request filter config: %+v", config)
	return nil
}

// Check checks if the map is already queued.
func (f *DuplicateRequestFilter) Check(ctx context.Context, req Request, e *request.Entry, q QueueView) Result {
	if q.Contains(req.Key) {
		return Reject("duplicate_request")
	}
	if e == nil || e.IsWip {
		return Accept()
	}
	if e.Hash != "" && q.ContainsHash(e.Hash) {
		return Reject("duplicate_request")
	}
	if f.config.MatchTitle {
		for _, queued := range q.Entries() {
			if isReupload(queued, e) {
				return Reject("duplicate_request")
			}
		}
	}
	return Accept()
}

// isReupload reports whether two entries are the same song by the same
// artist. Different artists are covers and allowed.
func isReupload(a, b *request.Entry) bool {
	if a.IsWip || b.IsWip {
		return false
	}
	if normalizeTitle(a.Title) != normalizeTitle(b.Title) {
		return false
	}
	return a.Artist != "" && strings.EqualFold(a.Artist, b.Artist)
}

var (
	versionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\s*[\(\[][^\)\]]*(remaster|remake|remap|version|edit|v\d+)[^\)\]]*[\)\]]`),
		regexp.MustCompile(`\s*-?\s*(remastered|remaster|remake|remap)$`),
		regexp.MustCompile(`\s+v\d+$`),
	}
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// normalizeTitle removes re-upload and version markers.
func normalizeTitle(title string) string {
	normalized := strings.ToLower(strings.TrimSpace(title))
	for _, pattern := range versionPatterns {
		normalized = pattern.ReplaceAllString(normalized, "")
	}
	normalized = whitespacePattern.ReplaceAllString(strings.TrimSpace(normalized), " ")
	return strings.TrimRight(normalized, " -")
}

func init() {
	Register("duplicate_request_filter", func() Filter {
		return NewDuplicateRequestFilter()
	})
}
