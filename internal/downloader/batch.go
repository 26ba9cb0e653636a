package downloader

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ImageFetcher downloads a single URL into destDir.
type ImageFetcher interface {
	Fetch(ctx context.Context, rawURL, destDir string, index int) (LocalImage, error)
}

type sessionFetcher interface {
	Session() ImageFetcher
}

// Batch fans a list of URLs out to an ImageFetcher.
type Batch struct {
	fetcher     ImageFetcher
	concurrency int
	logger      *zap.Logger
}

// NewBatch creates a Batch. A concurrency of zero or less launches every
// download at once.
func NewBatch(fetcher ImageFetcher, concurrency int, logger *zap.Logger) *Batch {
	return &Batch{
		fetcher:     fetcher,
		concurrency: concurrency,
		logger:      logger.Named("batch"),
	}
}

// FetchAll downloads every URL concurrently and returns the images in input
// order. The first failure cancels the remaining downloads and is returned
// once all goroutines have finished. Fetchers with a Session method get a
// fresh session per call.
func (b *Batch) FetchAll(ctx context.Context, urls []string, destDir string) ([]LocalImage, error) {
	start := time.Now()
	images := make([]LocalImage, len(urls))

	fetcher := b.fetcher
	if s, ok := fetcher.(sessionFetcher); ok {
		fetcher = s.Session()
	}

	g, gctx := errgroup.WithContext(ctx)
	if b.concurrency > 0 {
		g.SetLimit(b.concurrency)
	}

	for i, rawURL := range urls {
		i, rawURL := i, rawURL
		g.Go(func() error {
			img, err := fetcher.Fetch(gctx, rawURL, destDir, i)
			if err != nil {
				return err
			}
			images[i] = img
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		b.logger.Warn("batch download failed", zap.Int("url_count", len(urls)), zap.Error(err))
		return nil, err
	}

	b.logger.Debug("batch download complete",
		zap.Int("url_count", len(urls)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return images, nil
}

// Paths returns the local paths of images in order.
func Paths(images []LocalImage) []string {
	paths := make([]string, len(images))
	for i, img := range images {
		paths[i] = img.Path
	}
	return paths
}
