package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/andresuchdata/export2s3/internal/domain"
	"github.com/andresuchdata/export2s3/internal/pipeline"
	"github.com/andresuchdata/export2s3/internal/repository/postgres"
)

// RunStore reads recorded pipeline runs.
type RunStore interface {
	ListRuns(ctx context.Context, f postgres.RunFilter) ([]pipeline.Run, error)
	GetRun(ctx context.Context, id int64) (*pipeline.Run, error)
}

// ResultReader returns cached batch results.
type ResultReader interface {
	LatestResult(ctx context.Context, targetRoot string) (*domain.BatchResult, bool, error)
	Roots(ctx context.Context) ([]string, error)
}

type RunHandler struct {
	runs    RunStore
	results ResultReader
	log     zerolog.Logger
}

func NewRunHandler(runs RunStore, results ResultReader, log zerolog.Logger) *RunHandler {
	return &RunHandler{runs: runs, results: results, log: log}
}

func (h *RunHandler) parseFilter(c *gin.Context) postgres.RunFilter {
	filter := postgres.RunFilter{
		TargetRoot: strings.TrimSpace(c.Query("target_root")),
	}

	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil && limit > 0 {
		filter.Limit = limit
	}

	// ?status=failed&status=completed and ?status=failed,completed are both accepted
	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				filter.Statuses = append(filter.Statuses, part)
			}
		}
	}

	return filter
}

// ListRuns handles GET /api/v1/runs
func (h *RunHandler) ListRuns(c *gin.Context) {
	if h.runs == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "run history is not configured", nil)
		return
	}

	runs, err := h.runs.ListRuns(c.Request.Context(), h.parseFilter(c))
	if err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "failed to list runs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": runs, "count": len(runs)})
}

// GetRun handles GET /api/v1/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	if h.runs == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "run history is not configured", nil)
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.errorResponse(c, http.StatusBadRequest, "invalid run id", nil)
		return
	}

	run, err := h.runs.GetRun(c.Request.Context(), id)
	if errors.Is(err, postgres.ErrRunNotFound) {
		h.errorResponse(c, http.StatusNotFound, "run not found", nil)
		return
	}
	if err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	c.JSON(http.StatusOK, run)
}

// LatestResult handles GET /api/v1/results/latest?target_root=
func (h *RunHandler) LatestResult(c *gin.Context) {
	root := strings.TrimSpace(c.Query("target_root"))
	if root == "" {
		h.errorResponse(c, http.StatusBadRequest, "target_root is required", nil)
		return
	}
	if h.results == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "result cache is not configured", nil)
		return
	}

	res, ok, err := h.results.LatestResult(c.Request.Context(), root)
	if err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "failed to read result", err)
		return
	}
	if !ok {
		h.errorResponse(c, http.StatusNotFound, "no result recorded for target root", nil)
		return
	}

	c.JSON(http.StatusOK, res)
}

// CachedRoots handles GET /api/v1/results/roots
func (h *RunHandler) CachedRoots(c *gin.Context) {
	if h.results == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "result cache is not configured", nil)
		return
	}

	roots, err := h.results.Roots(c.Request.Context())
	if err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "failed to list cached roots", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": roots, "count": len(roots)})
}

func (h *RunHandler) errorResponse(c *gin.Context, status int, message string, err error) {
	if err != nil {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg(message)
	}
	c.JSON(status, gin.H{"error": message})
}
