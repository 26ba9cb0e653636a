package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/nsfw-check/internal/auth"
	"github.com/example/nsfw-check/internal/classifier"
	"github.com/example/nsfw-check/internal/downloader"
	"github.com/example/nsfw-check/internal/repository"
	"github.com/example/nsfw-check/internal/usecase"
)

// MaxBodySize caps the JSON request body.
const MaxBodySize = 1 << 20

// RequestIDHeader carries the request identifier on responses.
const RequestIDHeader = "X-Request-ID"

// CorrelationIDHeader echoes the identifier a caller sent in RequestIDHeader.
const CorrelationIDHeader = "X-Correlation-ID"

// Checker is the use case surface served over HTTP.
type Checker interface {
	Check(ctx context.Context, requestID, subject string, urls []string) (*usecase.Verdict, error)
	GetResult(ctx context.Context, requestID, subject string) (*repository.CheckLog, error)
	GetSummary(ctx context.Context) (*repository.Summary, error)
}

type checkRequest struct {
	URLs []string `json:"urls"`
}

type checkResponse struct {
	IsSafe            bool      `json:"is_safe"`
	NsfwProbabilities []float64 `json:"nsfw_probabilities"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Extra middleware
// such as authentication applies to the /nsfw-check routes only.
func RegisterRoutes(router *gin.Engine, uc Checker, logger *zap.Logger, middleware ...gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	checks := router.Group("/nsfw-check", middleware...)

	checks.POST("/", func(c *gin.Context) {
		requestID := requestIDFrom(c)

		var req checkRequest
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodySize)
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "validation_error", "Invalid request body.")
			return
		}

		verdict, err := uc.Check(c.Request.Context(), requestID, auth.Subject(c), req.URLs)
		if err != nil {
			status, category, detail := translateError(err)
			if status >= http.StatusInternalServerError {
				logger.Error("nsfw check failed", zap.String("request_id", requestID), zap.String("category", category), zap.Error(err))
			}
			writeError(c, status, category, detail)
			return
		}

		c.JSON(http.StatusOK, checkResponse{
			IsSafe:            verdict.IsSafe,
			NsfwProbabilities: verdict.Probabilities,
		})
	})

	checks.GET("/stats", func(c *gin.Context) {
		summary, err := uc.GetSummary(c.Request.Context())
		if errors.Is(err, usecase.ErrAuditDisabled) {
			writeError(c, http.StatusNotFound, "not_found", "Audit log is disabled.")
			return
		}
		if err != nil {
			logger.Error("failed to summarize checks", zap.Error(err))
			writeError(c, http.StatusInternalServerError, "internal_error", "Internal server error.")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"total":              summary.Total,
			"safe":               summary.Safe,
			"unsafe":             summary.Unsafe,
			"failed":             summary.Failed,
			"average_latency_ms": summary.AverageLatencyMs,
		})
	})

	checks.GET("/:id", func(c *gin.Context) {
		log, err := uc.GetResult(c.Request.Context(), c.Param("id"), auth.Subject(c))
		if errors.Is(err, usecase.ErrAuditDisabled) || errors.Is(err, repository.ErrNotFound) {
			writeError(c, http.StatusNotFound, "not_found", "Result not found.")
			return
		}
		if err != nil {
			logger.Error("failed to load check", zap.String("request_id", c.Param("id")), zap.Error(err))
			writeError(c, http.StatusInternalServerError, "internal_error", "Internal server error.")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id":         log.RequestID,
			"subject":            log.Subject,
			"url_count":          log.URLCount,
			"outcome":            log.Outcome,
			"is_safe":            log.IsSafe,
			"nsfw_probabilities": rawJSON(log.Probabilities),
			"detail":             log.Detail,
			"latency_ms":         log.LatencyMs,
			"created_at":         log.CreatedAt,
		})
	})
}

// translateError maps use case errors to a status, a category and a detail
// safe to show to the caller.
func translateError(err error) (int, string, string) {
	var (
		validationErr     *usecase.ValidationError
		downloadErr       *downloader.DownloadError
		classificationErr *classifier.ClassificationError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, "validation_error", validationErr.Error()
	case errors.As(err, &downloadErr):
		return http.StatusBadRequest, "download_failed", downloadErr.Error()
	case errors.As(err, &classificationErr):
		return http.StatusInternalServerError, "classification_failed", classificationErr.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "Internal server error."
	}
}

func writeError(c *gin.Context, status int, category, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"error": category, "detail": detail})
}

func rawJSON(value string) interface{} {
	if value == "" {
		return nil
	}
	return json.RawMessage(value)
}
