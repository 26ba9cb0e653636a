package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/nsfw-check/internal/logging"
)

// Outcome values stored in CheckLog.Outcome.
const (
	OutcomeOK                   = "ok"
	OutcomeValidationError      = "validation_error"
	OutcomeDownloadFailed       = "download_failed"
	OutcomeClassificationFailed = "classification_failed"
	OutcomeInternalError        = "internal_error"
)

// ErrNotFound is returned when no check matches the lookup.
var ErrNotFound = errors.New("check log not found")

// CheckLog is the audit record of one nsfw check. It never holds image data.
type CheckLog struct {
	ID            uint      `gorm:"primaryKey"`
	RequestID     string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Subject       string    `gorm:"column:subject;size:128"`
	URLCount      int       `gorm:"column:url_count"`
	Outcome       string    `gorm:"column:outcome;size:32;index"`
	IsSafe        bool      `gorm:"column:is_safe"`
	Probabilities string    `gorm:"column:probabilities;type:text"`
	Detail        string    `gorm:"column:detail;type:text"`
	LatencyMs     int64     `gorm:"column:latency_ms"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (CheckLog) TableName() string {
	return "check_logs"
}

// Summary aggregates the audit log.
type Summary struct {
	Total            int64
	Safe             int64
	Unsafe           int64
	Failed           int64
	AverageLatencyMs float64
}

// CheckRepository persists CheckLog rows.
type CheckRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewCheckRepository creates a new repository instance.
func NewCheckRepository(db *gorm.DB, logger *zap.Logger) *CheckRepository {
	return &CheckRepository{
		db:             db,
		logger:         logger.Named("check_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *CheckRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&CheckLog{})
}

// SaveLog persists a check log entry, retrying transient failures.
func (r *CheckRepository) SaveLog(ctx context.Context, log *CheckLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the check log for requestID recorded for subject.
// Rows of other subjects are reported as ErrNotFound.
func (r *CheckRepository) FindByRequestID(ctx context.Context, requestID, subject string) (*CheckLog, error) {
	var log CheckLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND subject = ?", requestID, subject).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// Summarize aggregates outcome counts and latency over every stored check.
func (r *CheckRepository) Summarize(ctx context.Context) (*Summary, error) {
	var row struct {
		Total            int64
		Safe             int64
		Unsafe           int64
		Failed           int64
		AverageLatencyMs float64
	}
	err := r.executeWithRetry(ctx, "repository.summarize", "", func() error {
		return r.db.WithContext(ctx).Model(&CheckLog{}).Select(
			"COUNT(*) AS total, "+
				"COALESCE(SUM(CASE WHEN outcome = ? AND is_safe THEN 1 ELSE 0 END), 0) AS safe, "+
				"COALESCE(SUM(CASE WHEN outcome = ? AND NOT is_safe THEN 1 ELSE 0 END), 0) AS unsafe, "+
				"COALESCE(SUM(CASE WHEN outcome <> ? THEN 1 ELSE 0 END), 0) AS failed, "+
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
			OutcomeOK, OutcomeOK, OutcomeOK,
		).Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &Summary{
		Total:            row.Total,
		Safe:             row.Safe,
		Unsafe:           row.Unsafe,
		Failed:           row.Failed,
		AverageLatencyMs: row.AverageLatencyMs,
	}, nil
}

func (r *CheckRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
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
