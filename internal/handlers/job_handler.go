// -----------------------------------------------------------------------
// Job Handler - Submission, cancellation, status and artifact routes
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/pastiche/internal/common"
	"github.com/ternarybob/pastiche/internal/metrics"
	"github.com/ternarybob/pastiche/internal/models"
	"github.com/ternarybob/pastiche/internal/services/jobs"
)

// multipartMemory is how much of a form is held in memory before spilling to disk
const multipartMemory = 8 << 20

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	jobService *jobs.Service
	limiter    *rate.Limiter // nil when unlimited
	maxBody    int64
	logger     arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *jobs.Service, cfg common.SubmitConfig, logger arbor.ILogger) *JobHandler {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(cfg.Burst, 1))
	}
	return &JobHandler{
		jobService: jobService,
		limiter:    limiter,
		// Two images plus form overhead
		maxBody: 2*int64(cfg.MaxUploadMB)<<20 + 1<<20,
		logger:  logger,
	}
}

// GenerateHandler handles POST /generate
func (h *JobHandler) GenerateHandler(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		metrics.SubmissionsRejectedTotal.WithLabelValues("rate_limited").Inc()
		WriteError(w, http.StatusTooManyRequests, "Too many submissions, try again shortly")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		metrics.SubmissionsRejectedTotal.WithLabelValues("invalid").Inc()
		WriteError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	content, contentHeader, err := r.FormFile("content_img")
	if err != nil {
		metrics.SubmissionsRejectedTotal.WithLabelValues("invalid").Inc()
		WriteError(w, http.StatusBadRequest, "content_img is required")
		return
	}
	defer content.Close()

	style, styleHeader, err := r.FormFile("style_img")
	if err != nil {
		metrics.SubmissionsRejectedTotal.WithLabelValues("invalid").Inc()
		WriteError(w, http.StatusBadRequest, "style_img is required")
		return
	}
	defer style.Close()

	overrides, err := parseOverrides(r)
	if err != nil {
		metrics.SubmissionsRejectedTotal.WithLabelValues("invalid").Inc()
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := h.jobService.Submit(r.Context(), jobs.SubmitRequest{
		Content:   jobs.Upload{Filename: filepath.Base(contentHeader.Filename), Reader: content},
		Style:     jobs.Upload{Filename: filepath.Base(styleHeader.Filename), Reader: style},
		Overrides: overrides,
	})
	switch {
	case err == nil:
	case errors.Is(err, models.ErrSubmission):
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, models.ErrEnqueue):
		h.logger.Error().Err(err).Msg("Job could not be queued")
		WriteError(w, http.StatusServiceUnavailable, "Job queue unavailable")
		return
	default:
		h.logger.Error().Err(err).Msg("Failed to submit job")
		WriteError(w, http.StatusInternalServerError, "Failed to submit job")
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]string{"id": jobID})
}

// StopHandler handles POST /stop/{jobId}. It always reports success.
func (h *JobHandler) StopHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	// A client hanging up must not abort a half-applied cancel
	outcome := h.jobService.Cancel(context.WithoutCancel(r.Context()), jobID)
	h.logger.Debug().Str("job_id", jobID).Str("outcome", string(outcome)).Msg("Stop requested")

	WriteJSON(w, http.StatusOK, map[string]string{"cancel": "success"})
}

// GetJobHandler handles GET /jobs/{jobId}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	status, err := h.jobService.GetStatus(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}

	WriteJSON(w, http.StatusOK, status)
}

// OutputHandler handles GET /outputs/{jobId}
func (h *JobHandler) OutputHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	f, err := h.jobService.OpenOutput(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to stat output")
		WriteError(w, http.StatusInternalServerError, "Failed to read output")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeContent(w, r, jobID+".jpg", info.ModTime(), f)
}

func (h *JobHandler) writeLookupError(w http.ResponseWriter, jobID string, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidJobID):
		WriteError(w, http.StatusBadRequest, "Invalid job id")
	case errors.Is(err, models.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Job not found")
	default:
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to look up job")
		WriteError(w, http.StatusInternalServerError, "Failed to look up job")
	}
}

// parseOverrides reads the optional lr, epochs, alpha and beta form fields
func parseOverrides(r *http.Request) (jobs.ParamOverrides, error) {
	var o jobs.ParamOverrides

	floats := []struct {
		field string
		dst   **float64
	}{
		{"lr", &o.LearningRate},
		{"alpha", &o.Alpha},
		{"beta", &o.Beta},
	}
	for _, f := range floats {
		raw := r.FormValue(f.field)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return o, fmt.Errorf("%s must be a number", f.field)
		}
		*f.dst = &v
	}

	if raw := r.FormValue("epochs"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return o, errors.New("epochs must be an integer")
		}
		o.Epochs = &v
	}

	return o, nil
}
