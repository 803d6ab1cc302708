package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sentryal/insar-pipeline/internal/admission"
	mw "github.com/sentryal/insar-pipeline/internal/api/middleware"
	"github.com/sentryal/insar-pipeline/internal/api/response"
	"github.com/sentryal/insar-pipeline/internal/catalog"
	"github.com/sentryal/insar-pipeline/internal/metrics"
	"github.com/sentryal/insar-pipeline/internal/store"
	"github.com/sentryal/insar-pipeline/pkg/models"
)

// JobStore is the slice of the store the job handlers need.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error
	GetInfrastructure(ctx context.Context, id uuid.UUID) (*models.Infrastructure, error)
}

// Enqueuer schedules a created job for processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
	Name() string
}

// Admitter decides whether an owner may create another job.
type Admitter interface {
	Check(ctx context.Context, ownerID uuid.UUID) admission.Decision
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// Validation happens before admission so a malformed request never consumes
// quota headroom.
func NewSubmitJobHandler(st JobStore, adm Admitter, q Enqueuer, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req struct {
			InfrastructureID string `json:"infrastructure_id"`
			ReferenceGranule string `json:"reference_granule"`
			SecondaryGranule string `json:"secondary_granule"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		infraID, err := uuid.Parse(req.InfrastructureID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"infrastructure_id must be a valid UUID", nil)
			return
		}

		ref, err := catalog.ParseGranule(req.ReferenceGranule)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"reference_granule is not a valid Sentinel-1 granule name", nil)
			return
		}
		sec, err := catalog.ParseGranule(req.SecondaryGranule)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"secondary_granule is not a valid Sentinel-1 granule name", nil)
			return
		}
		if !ref.AcquisitionDate.Before(sec.AcquisitionDate) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"reference granule must be acquired before the secondary granule", nil)
			return
		}

		infra, err := st.GetInfrastructure(r.Context(), infraID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Infrastructure not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		// Ownership is part of existence: leaking someone else's resource ids
		// via a 403 is worse than a 404.
		if infra.OwnerID != ownerID {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Infrastructure not found", nil)
			return
		}

		decision := adm.Check(r.Context(), ownerID)
		if !decision.Allowed {
			response.QuotaExceeded(w, decision.Limit, decision.RetryAfter)
			return
		}

		now := time.Now().UTC()
		job := &models.Job{
			ID:               uuid.New(),
			OwnerID:          ownerID,
			InfrastructureID: infraID,
			ReferenceGranule: ref.Name,
			SecondaryGranule: sec.Name,
			Status:           models.JobStatusPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := st.CreateJob(r.Context(), job); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create job", nil)
			return
		}

		if err := q.Enqueue(r.Context(), job.ID); err != nil {
			// The row exists but will never be delivered; mark it failed so
			// the client is not left polling a job that cannot run.
			_ = st.UpdateJobStatus(r.Context(), job.ID, models.JobStatusFailed,
				store.WithErrorMessage("failed to enqueue job"))
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to enqueue job", nil)
			return
		}
		m.JobsEnqueued.WithLabelValues(q.Name()).Inc()

		response.Accepted(w, job)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(st JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadOwnedJob(w, r, st)
		if !ok {
			return
		}
		response.JSON(w, job)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for DELETE
// /api/v1/jobs/{jobID}. Cancellation is advisory for a job already picked up:
// the worker checks for a terminal status before each transition and skips
// remaining side effects.
func NewCancelJobHandler(st JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadOwnedJob(w, r, st)
		if !ok {
			return
		}

		err := st.UpdateJobStatus(r.Context(), job.ID, models.JobStatusCancelled)
		if errors.Is(err, store.ErrInvalidTransition) {
			response.Error(w, http.StatusConflict, "CONFLICT",
				"Job is already in a terminal state", map[string]string{"status": job.Status})
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to cancel job", nil)
			return
		}

		job.Status = models.JobStatusCancelled
		response.JSON(w, job)
	}
}

// loadOwnedJob resolves the jobID route param to a job owned by the caller,
// writing the error response itself when that fails.
func loadOwnedJob(w http.ResponseWriter, r *http.Request, st JobStore) (*models.Job, bool) {
	ownerID, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return nil, false
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
		return nil, false
	}

	job, err := st.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return nil, false
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
		return nil, false
	}
	if job.OwnerID != ownerID {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return nil, false
	}

	return job, true
}
