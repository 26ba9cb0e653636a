// Package downloader retrieves remote images into a local scratch directory.
package downloader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	sniffLen    = 3072
	maxNameLen  = 128
	defaultName = "image"
)

// LocalImage is a downloaded image materialised inside a scratch directory.
type LocalImage struct {
	URL  string
	Path string
}

// Options tunes a Fetcher. Zero values disable the corresponding limit.
type Options struct {
	Timeout        time.Duration
	MaxBytes       int64
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Fetcher downloads one image per call. It is safe for concurrent use.
type Fetcher struct {
	client         *http.Client
	logger         *zap.Logger
	timeout        time.Duration
	maxBytes       int64
	retries        int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewFetcher builds a Fetcher around a shared HTTP client.
func NewFetcher(client *http.Client, logger *zap.Logger, opts Options) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	f := &Fetcher{
		client:         client,
		logger:         logger.Named("fetcher"),
		timeout:        opts.Timeout,
		maxBytes:       opts.MaxBytes,
		retries:        opts.Retries,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
	}
	if f.retries < 0 {
		f.retries = 0
	}
	if f.initialBackoff <= 0 {
		f.initialBackoff = 100 * time.Millisecond
	}
	if f.maxBackoff <= 0 {
		f.maxBackoff = 2 * time.Second
	}
	return f
}

// Session returns a Fetcher for one request. It shares the connection pool
// of f but carries its own cookie jar, so no client state crosses requests.
func (f *Fetcher) Session() ImageFetcher {
	jar, _ := cookiejar.New(nil)
	session := *f
	session.client = &http.Client{
		Transport:     f.client.Transport,
		CheckRedirect: f.client.CheckRedirect,
		Timeout:       f.client.Timeout,
		Jar:           jar,
	}
	return &session
}

// Fetch downloads rawURL into destDir. The index is the URL's position in the
// request and keeps file names unique when URLs share a basename. Every
// failure is reported as a *DownloadError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, destDir string, index int) (LocalImage, error) {
	backoff := f.initialBackoff
	var err error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return LocalImage{}, &DownloadError{URL: rawURL, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= f.maxBackoff {
				backoff = next
			}
		}

		var img LocalImage
		img, err = f.fetchOnce(ctx, rawURL, destDir, index)
		if err == nil {
			if attempt > 0 {
				f.logger.Info("download succeeded after retry", zap.String("url", rawURL), zap.Int("attempt", attempt+1))
			}
			return img, nil
		}
		if !isTransient(err) || attempt == f.retries {
			break
		}
		f.logger.Warn("transient download error", zap.String("url", rawURL), zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return LocalImage{}, err
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL, destDir string, index int) (LocalImage, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return LocalImage{}, &DownloadError{URL: rawURL, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return LocalImage{}, &DownloadError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return LocalImage{}, &DownloadError{URL: rawURL, Status: resp.StatusCode}
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return LocalImage{}, &DownloadError{URL: rawURL, Err: ErrImageTooLarge}
	}

	body := bufio.NewReaderSize(resp.Body, sniffLen)
	head, _ := body.Peek(sniffLen)

	localPath := filepath.Join(destDir, fileName(index, rawURL, head))
	file, err := os.Create(localPath)
	if err != nil {
		return LocalImage{}, &DownloadError{URL: rawURL, Err: errors.New("cannot stage image")}
	}

	var src io.Reader = body
	if f.maxBytes > 0 {
		src = io.LimitReader(body, f.maxBytes+1)
	}
	n, copyErr := io.Copy(file, src)
	closeErr := file.Close()
	if copyErr != nil {
		return LocalImage{}, &DownloadError{URL: rawURL, Err: copyErr}
	}
	if closeErr != nil {
		return LocalImage{}, &DownloadError{URL: rawURL, Err: errors.New("cannot stage image")}
	}
	if f.maxBytes > 0 && n > f.maxBytes {
		return LocalImage{}, &DownloadError{URL: rawURL, Err: ErrImageTooLarge}
	}

	return LocalImage{URL: rawURL, Path: localPath}, nil
}

// fileName derives "<index>_<basename>" from the URL path. A basename without
// an extension gets one from the sniffed content.
func fileName(index int, rawURL string, head []byte) string {
	base := defaultName
	if u, err := url.Parse(rawURL); err == nil {
		if seg := path.Base(u.Path); seg != "." && seg != "/" && seg != "" {
			base = sanitize(seg)
		}
	}
	if filepath.Ext(base) == "" && len(head) > 0 {
		base += mimetype.Detect(head).Extension()
	}
	if len(base) > maxNameLen {
		base = base[len(base)-maxNameLen:]
	}
	return fmt.Sprintf("%d_%s", index, base)
}

func sanitize(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if strings.Trim(cleaned, ".") == "" {
		return defaultName
	}
	return cleaned
}

// isTransient reports whether another attempt could succeed.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	var dlErr *DownloadError
	if errors.As(err, &dlErr) && dlErr.Status != 0 {
		return dlErr.Status == http.StatusTooManyRequests || dlErr.Status >= http.StatusInternalServerError
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrImageTooLarge) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
