package wip

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/app/notification"
	"github.com/osa030/mapreq/internal/app/prefetch"
)

// DownloadedResult is the wipDownloaded payload.
type DownloadedResult struct {
	URL   string `json:"url"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// FailedResult is the wipFailed payload.
type FailedResult struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// DownloaderConfig represents downloader configuration.
type DownloaderConfig struct {
	Dir     string
	MaxSize int64
	Timeout time.Duration
}

// Downloader fetches WIP archives. At most one download is outstanding;
// starting another cancels it.
type Downloader struct {
	config     DownloaderConfig
	notifier   notification.Broadcaster
	httpClient *http.Client

	slot prefetch.Slot
	wg   sync.WaitGroup
}

// NewDownloader creates a new Downloader.
func NewDownloader(cfg DownloaderConfig, notifier notification.Broadcaster) *Downloader {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Downloader{
		config:     cfg,
		notifier:   notifier,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FileName returns the archive name used for link.
func FileName(link string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(link)).String() + ".zip"
}

// Start begins downloading link in the background.
func (d *Downloader) Start(link string) {
	ctx, gen := d.slot.Begin(context.Background())
	zlog.Info().Msgf("wip download started: url=%s", link)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.slot.Finish(gen)

		path, n, err := d.download(ctx, link)
		if err != nil {
			if ctx.Err() != nil || !d.slot.Current(gen) {
				zlog.Info().Msgf("wip download cancelled: url=%s", link)
				return
			}
			zlog.Warn().Msgf("wip download failed: url=%s error=%v", link, err)
			d.notifier.Broadcast(notification.EventWipFailed, FailedResult{URL: link, Error: err.Error()})
			return
		}
		zlog.Info().Msgf("wip download finished: url=%s path=%s bytes=%d", link, path, n)
		d.notifier.Broadcast(notification.EventWipDownloaded, DownloadedResult{URL: link, Path: path, Bytes: n})
	}()
}

// Cancel aborts the outstanding download, if any.
func (d *Downloader) Cancel() {
	d.slot.Cancel()
}

// Wait blocks until every started download has returned.
func (d *Downloader) Wait() {
	d.wg.Wait()
}

func (d *Downloader) download(ctx context.Context, link string) (string, int64, error) {
	if err := os.MkdirAll(d.config.Dir, 0755); err != nil {
		return "", 0, errors.Wrap(err, "failed to create download directory")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to create request")
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, errors.Newf("unexpected status %d", resp.StatusCode)
	}

	path := filepath.Join(d.config.Dir, FileName(link))
	tmp, err := os.CreateTemp(d.config.Dir, "download-*.part")
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to create temporary file")
	}
	defer os.Remove(tmp.Name())

	var body io.Reader = resp.Body
	if d.config.MaxSize > 0 {
		body = io.LimitReader(resp.Body, d.config.MaxSize+1)
	}
	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to write download")
	}
	if n == 0 {
		return "", 0, ErrEmpty
	}
	if d.config.MaxSize > 0 && n > d.config.MaxSize {
		return "", 0, errors.Wrapf(ErrTooLarge, "limit %d", d.config.MaxSize)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, errors.Wrap(err, "failed to move download into place")
	}
	return path, n, nil
}
