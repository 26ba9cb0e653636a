// Package classifier turns staged image files into NSFW probabilities by
// delegating to an external model.
package classifier

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/nsfw-check/internal/cache"
	"github.com/example/nsfw-check/internal/logging"
)

const scoreKeyPrefix = "nsfw:score:"

// Image is one classifier input: a display name and the raw file bytes.
type Image struct {
	Name string
	Data []byte
}

// Model is the external NSFW classifier. It returns one probability per
// image, in input order.
type Model interface {
	Predict(ctx context.Context, images []Image) ([]float64, error)
}

// ClassificationError wraps any failure of the classification step.
type ClassificationError struct {
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ClassificationError) Error() string {
	return "Prediction failed: " + e.Message
}

// Unwrap returns the underlying error.
func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// Adapter reads staged files and invokes the model once per batch.
type Adapter struct {
	model  Model
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithScoreCache memoises scores by image content hash.
func WithScoreCache(c cache.Cache, ttl time.Duration) Option {
	return func(a *Adapter) {
		a.cache = c
		a.ttl = ttl
	}
}

// NewAdapter creates an Adapter for model.
func NewAdapter(model Model, logger *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		model:  model,
		logger: logger.Named("classifier"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Classify scores every file in paths. The result is aligned with paths.
// All failures are returned as *ClassificationError with file system
// locations reduced to base names.
func (a *Adapter) Classify(ctx context.Context, paths []string) ([]float64, error) {
	if len(paths) == 0 {
		return []float64{}, nil
	}

	images := make([]Image, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			var pathErr *fs.PathError
			if errors.As(err, &pathErr) {
				err = pathErr.Err
			}
			return nil, a.fail(ctx, paths, fmt.Errorf("read %s: %w", filepath.Base(p), err))
		}
		images[i] = Image{Name: filepath.Base(p), Data: data}
	}

	scores := make([]float64, len(images))
	keys, pending := a.lookup(ctx, images, scores)
	if len(pending) == 0 {
		return scores, nil
	}

	batch := make([]Image, len(pending))
	for j, i := range pending {
		batch[j] = images[i]
	}
	predicted, err := a.model.Predict(ctx, batch)
	if err != nil {
		return nil, a.fail(ctx, paths, err)
	}
	if len(predicted) != len(batch) {
		return nil, a.fail(ctx, paths, fmt.Errorf("model returned %d scores for %d images", len(predicted), len(batch)))
	}
	for j, score := range predicted {
		if math.IsNaN(score) || score < 0 || score > 1 {
			return nil, a.fail(ctx, paths, fmt.Errorf("model returned out of range score %v for %s", score, batch[j].Name))
		}
		scores[pending[j]] = score
	}

	a.store(ctx, keys, pending, scores)
	return scores, nil
}

// lookup fills scores from the cache and returns the content keys plus the
// indices that still need the model.
func (a *Adapter) lookup(ctx context.Context, images []Image, scores []float64) ([]string, []int) {
	pending := make([]int, 0, len(images))
	if a.cache == nil {
		for i := range images {
			pending = append(pending, i)
		}
		return nil, pending
	}

	opLogger := logging.WithOperation(a.logger, "classifier.cache_lookup", logging.RequestIDFromContext(ctx))
	keys := make([]string, len(images))
	for i, img := range images {
		sum := sha1.Sum(img.Data)
		keys[i] = scoreKeyPrefix + hex.EncodeToString(sum[:])

		cached, err := a.cache.Get(ctx, keys[i])
		if err != nil {
			if !errors.Is(err, cache.ErrMiss) {
				opLogger.Warn("failed to read score cache", zap.Error(err))
			}
			pending = append(pending, i)
			continue
		}
		score, err := strconv.ParseFloat(cached, 64)
		if err != nil || math.IsNaN(score) || score < 0 || score > 1 {
			opLogger.Warn("discarding malformed cached score", zap.String("value", cached))
			pending = append(pending, i)
			continue
		}
		scores[i] = score
	}
	return keys, pending
}

func (a *Adapter) store(ctx context.Context, keys []string, pending []int, scores []float64) {
	if a.cache == nil {
		return
	}
	opLogger := logging.WithOperation(a.logger, "classifier.cache_store", logging.RequestIDFromContext(ctx))
	for _, i := range pending {
		value := strconv.FormatFloat(scores[i], 'f', -1, 64)
		if err := a.cache.Set(ctx, keys[i], value, a.ttl); err != nil {
			opLogger.Warn("failed to write score cache", zap.Error(err))
		}
	}
}

func (a *Adapter) fail(ctx context.Context, paths []string, err error) error {
	requestID := logging.RequestIDFromContext(ctx)
	logging.WithOperation(a.logger, "classifier.classify", requestID).
		Error("classification failed", zap.Error(err), zap.Int("image_count", len(paths)))
	return &ClassificationError{Message: scrubPaths(err.Error(), paths), Err: err}
}

// scrubPaths replaces staged file locations in msg with their base names.
func scrubPaths(msg string, paths []string) string {
	dirs := make(map[string]struct{})
	for _, p := range paths {
		msg = strings.ReplaceAll(msg, p, filepath.Base(p))
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if dir == "." || dir == string(filepath.Separator) {
			continue
		}
		msg = strings.ReplaceAll(msg, dir+string(filepath.Separator), "")
		msg = strings.ReplaceAll(msg, dir, "")
	}
	return msg
}
