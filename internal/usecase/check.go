package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/nsfw-check/internal/classifier"
	"github.com/example/nsfw-check/internal/downloader"
	"github.com/example/nsfw-check/internal/logging"
	"github.com/example/nsfw-check/internal/repository"
	"github.com/example/nsfw-check/internal/scratch"
)

// UnsafeThreshold is the highest probability still considered safe.
const UnsafeThreshold = 0.3

// ValidationError rejects a request before any work is done.
type ValidationError struct {
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Message
}

// Downloader fetches every URL into destDir, preserving order.
type Downloader interface {
	FetchAll(ctx context.Context, urls []string, destDir string) ([]downloader.LocalImage, error)
}

// Classifier scores staged files, preserving order.
type Classifier interface {
	Classify(ctx context.Context, paths []string) ([]float64, error)
}

// CheckRepository defines the audit operations needed by the use case.
type CheckRepository interface {
	SaveLog(ctx context.Context, log *repository.CheckLog) error
	FindByRequestID(ctx context.Context, requestID, subject string) (*repository.CheckLog, error)
	Summarize(ctx context.Context) (*repository.Summary, error)
}

// ErrAuditDisabled is returned by lookups when no repository is configured.
var ErrAuditDisabled = errors.New("audit log disabled")

// Verdict is the outcome of a successful check.
type Verdict struct {
	RequestID     string
	IsSafe        bool
	Probabilities []float64
}

// Options tunes a CheckUseCase.
type Options struct {
	ScratchRoot    string
	MaxURLs        int
	RequestTimeout time.Duration
}

// CheckUseCase orchestrates download, classification and verdict.
type CheckUseCase struct {
	downloader     Downloader
	classifier     Classifier
	repo           CheckRepository
	logger         *zap.Logger
	scratchRoot    string
	maxURLs        int
	requestTimeout time.Duration
	auditTimeout   time.Duration
}

// NewCheckUseCase constructs a new use case instance. repo may be nil, in
// which case nothing is recorded.
func NewCheckUseCase(dl Downloader, cls Classifier, repo CheckRepository, logger *zap.Logger, opts Options) *CheckUseCase {
	return &CheckUseCase{
		downloader:     dl,
		classifier:     cls,
		repo:           repo,
		logger:         logger.Named("check_usecase"),
		scratchRoot:    opts.ScratchRoot,
		maxURLs:        opts.MaxURLs,
		requestTimeout: opts.RequestTimeout,
		auditTimeout:   5 * time.Second,
	}
}

// NewRequestID returns a fresh request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// Check downloads urls, classifies them and computes the verdict. A
// requestID is generated when empty. The returned error is a
// *ValidationError, *downloader.DownloadError, *classifier.ClassificationError
// or an internal error.
func (uc *CheckUseCase) Check(ctx context.Context, requestID, subject string, urls []string) (*Verdict, error) {
	if requestID == "" {
		requestID = NewRequestID()
	}
	start := time.Now()

	verdict, err := uc.check(logging.ContextWithRequestID(ctx, requestID), requestID, urls)
	uc.record(ctx, requestID, subject, len(urls), verdict, err, time.Since(start))
	return verdict, err
}

func (uc *CheckUseCase) check(ctx context.Context, requestID string, urls []string) (*Verdict, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.check", requestID)

	if len(urls) == 0 {
		return nil, &ValidationError{Message: "No image URLs provided."}
	}
	if uc.maxURLs > 0 && len(urls) > uc.maxURLs {
		return nil, &ValidationError{Message: "Too many image URLs provided."}
	}

	if uc.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.requestTimeout)
		defer cancel()
	}

	dir, err := scratch.Acquire(uc.scratchRoot, requestID)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.acquire_scratch", requestID, err)
		opLogger.Error("failed to create scratch directory", zap.Error(wrapped))
		return nil, wrapped
	}
	defer func() {
		if err := dir.Release(); err != nil {
			opLogger.Error("failed to clean up scratch directory",
				zap.Error(logging.NewOperationError("usecase.release_scratch", requestID, err)))
		}
	}()

	images, err := uc.downloader.FetchAll(ctx, urls, dir.Path())
	if err != nil {
		opLogger.Info("download phase failed", zap.Error(err))
		return nil, err
	}

	scores, err := uc.classifier.Classify(ctx, downloader.Paths(images))
	if err != nil {
		return nil, err
	}

	opLogger.Info("check complete", zap.Int("url_count", len(urls)), zap.Bool("is_safe", IsSafe(scores)))
	return &Verdict{
		RequestID:     requestID,
		IsSafe:        IsSafe(scores),
		Probabilities: scores,
	}, nil
}

// IsSafe reports whether every score is at or below UnsafeThreshold. A
// non-finite score is never safe.
func IsSafe(scores []float64) bool {
	for _, score := range scores {
		if math.IsNaN(score) || math.IsInf(score, 0) || score > UnsafeThreshold {
			return false
		}
	}
	return true
}

// Outcome classifies err into one of the repository outcome values.
func Outcome(err error) string {
	var (
		validationErr     *ValidationError
		downloadErr       *downloader.DownloadError
		classificationErr *classifier.ClassificationError
	)
	switch {
	case err == nil:
		return repository.OutcomeOK
	case errors.As(err, &validationErr):
		return repository.OutcomeValidationError
	case errors.As(err, &downloadErr):
		return repository.OutcomeDownloadFailed
	case errors.As(err, &classificationErr):
		return repository.OutcomeClassificationFailed
	default:
		return repository.OutcomeInternalError
	}
}

func (uc *CheckUseCase) record(ctx context.Context, requestID, subject string, urlCount int, verdict *Verdict, checkErr error, elapsed time.Duration) {
	if uc.repo == nil {
		return
	}

	log := &repository.CheckLog{
		RequestID: requestID,
		Subject:   subject,
		URLCount:  urlCount,
		Outcome:   Outcome(checkErr),
		LatencyMs: elapsed.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if verdict != nil {
		log.IsSafe = verdict.IsSafe
		if encoded, err := json.Marshal(verdict.Probabilities); err == nil {
			log.Probabilities = string(encoded)
		}
	}
	if checkErr != nil && log.Outcome != repository.OutcomeInternalError {
		log.Detail = checkErr.Error()
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.auditTimeout)
	defer cancel()
	if err := uc.repo.SaveLog(saveCtx, log); err != nil {
		logging.WithOperation(uc.logger, "usecase.record", requestID).Warn("failed to persist check log", zap.Error(err))
	}
}

// GetResult loads the audit record of a previous check made by subject.
func (uc *CheckUseCase) GetResult(ctx context.Context, requestID, subject string) (*repository.CheckLog, error) {
	if uc.repo == nil {
		return nil, ErrAuditDisabled
	}
	return uc.repo.FindByRequestID(ctx, requestID, subject)
}

// GetSummary aggregates the audit log.
func (uc *CheckUseCase) GetSummary(ctx context.Context) (*repository.Summary, error) {
	if uc.repo == nil {
		return nil, ErrAuditDisabled
	}
	return uc.repo.Summarize(ctx)
}
