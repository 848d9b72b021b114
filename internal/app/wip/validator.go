// Package wip validates and downloads work-in-progress map links.
package wip

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
)

var (
	// ErrInvalidInput is returned for input that is neither a code nor an http(s) URL.
	ErrInvalidInput = errors.New("invalid WIP link")
	// ErrNotWhitelisted is returned when the host is not an allowed domain.
	ErrNotWhitelisted = errors.New("WIP host is not whitelisted")
	// ErrUnreachable is returned when the content length cannot be probed.
	ErrUnreachable = errors.New("WIP link unreachable")
	// ErrEmpty is returned when the link serves no content.
	ErrEmpty = errors.New("WIP link is empty")
	// ErrTooLarge is returned when the content exceeds the size limit.
	ErrTooLarge = errors.New("WIP file too large")
)

var codePattern = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// Config represents validator configuration.
type Config struct {
	AllowedDomains []string
	CodeTemplates  map[string]string // leading digit -> URL template with %s
	MaxSize        int64
	ProbeTimeout   time.Duration
}

// Validator turns user input into a downloadable, size-checked URL.
type Validator struct {
	config     Config
	allowed    map[string]bool
	httpClient *http.Client
}

// NewValidator creates a new Validator.
func NewValidator(cfg Config) *Validator {
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	allowed := make(map[string]bool, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		allowed[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return &Validator{
		config:     cfg,
		allowed:    allowed,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Resolve validates input and returns the URL the map will be downloaded from.
func (v *Validator) Resolve(ctx context.Context, input string) (string, error) {
	link, err := v.Normalize(input)
	if err != nil {
		return "", err
	}

	size, err := v.probe(ctx, link)
	if err != nil {
		return "", err
	}
	if size == 0 {
		return "", errors.Wrapf(ErrEmpty, "%s", link)
	}
	if v.config.MaxSize > 0 && size > v.config.MaxSize {
		return "", errors.Wrapf(ErrTooLarge, "%s is %d bytes, limit %d", link, size, v.config.MaxSize)
	}
	return link, nil
}

// Normalize expands short codes, checks the URL and domain and rewrites
// preview links into direct download links. It performs no network I/O.
func (v *Validator) Normalize(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.Wrap(ErrInvalidInput, "empty input")
	}

	if codePattern.MatchString(input) {
		tmpl, ok := v.config.CodeTemplates[input[:1]]
		if !ok {
			return "", errors.Wrapf(ErrInvalidInput, "no link template for code %s", input)
		}
		input = fmt.Sprintf(tmpl, input)
	}

	u, err := url.Parse(input)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.Wrapf(ErrInvalidInput, "%q is not an http(s) URL", input)
	}

	host := strings.ToLower(u.Hostname())
	domain := host
	if net.ParseIP(host) == nil {
		if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
			domain = d
		}
	}
	if !v.allowed[domain] {
		return "", errors.Wrapf(ErrNotWhitelisted, "%s", domain)
	}

	u.RawQuery = directDownload(u.RawQuery)
	return u.String(), nil
}

// directDownload flips dl=0 pairs to dl=1 and leaves every other byte of the
// query untouched, since some hosts sign their query strings.
func directDownload(rawQuery string) string {
	if rawQuery == "" {
		return rawQuery
	}
	pairs := strings.Split(rawQuery, "&")
	for i, p := range pairs {
		if p == "dl=0" {
			pairs[i] = "dl=1"
		}
	}
	return strings.Join(pairs, "&")
}

// probe returns the content length via HEAD, falling back to GET for hosts
// that do not answer HEAD with a length.
func (v *Validator) probe(ctx context.Context, link string) (int64, error) {
	size, err := v.contentLength(ctx, http.MethodHead, link)
	if err == nil && size >= 0 {
		return size, nil
	}
	if err != nil {
		zlog.Debug().Msgf("wip: HEAD probe failed, trying GET: url=%s error=%v", link, err)
	}

	size, err = v.contentLength(ctx, http.MethodGet, link)
	if err != nil {
		return 0, errors.Wrapf(ErrUnreachable, "%s: %v", link, err)
	}
	if size < 0 {
		return 0, errors.Wrapf(ErrUnreachable, "%s: no content length", link)
	}
	return size, nil
}

func (v *Validator) contentLength(ctx context.Context, method, link string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, method, link, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create request")
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, errors.Newf("unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength >= 0 {
		return resp.ContentLength, nil
	}
	if h := resp.Header.Get("Content-Length"); h != "" {
		if n, err := strconv.ParseInt(h, 10, 64); err == nil {
			return n, nil
		}
	}
	if method == http.MethodGet {
		// Chunked body: count it, bounded by the size limit.
		limit := v.config.MaxSize
		if limit <= 0 {
			limit = 1 << 30
		}
		n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return 0, errors.Wrap(err, "failed to read body")
		}
		return n, nil
	}
	return -1, nil
}
