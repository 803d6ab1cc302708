package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/sentryal/insar-pipeline/internal/api/middleware"
	"github.com/sentryal/insar-pipeline/internal/api/response"
	"github.com/sentryal/insar-pipeline/internal/store"
	"github.com/sentryal/insar-pipeline/pkg/models"
)

// InfraStore is the slice of the store the infrastructure handlers need.
type InfraStore interface {
	CreateInfrastructure(ctx context.Context, infra *models.Infrastructure) error
	GetInfrastructure(ctx context.Context, id uuid.UUID) (*models.Infrastructure, error)
	CreateMonitoringPoint(ctx context.Context, point *models.MonitoringPoint) error
	ListMonitoringPoints(ctx context.Context, infraID uuid.UUID) ([]*models.MonitoringPoint, error)
	ListVelocitySummaries(ctx context.Context, infraID uuid.UUID) ([]models.VelocitySummary, error)
}

// NewCreateInfrastructureHandler returns an http.HandlerFunc for
// POST /api/v1/infrastructures.
func NewCreateInfrastructureHandler(st InfraStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req struct {
			Name string      `json:"name"`
			BBox models.BBox `json:"bbox"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if msg := validateBBox(req.BBox); msg != "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", msg, nil)
			return
		}

		now := time.Now().UTC()
		infra := &models.Infrastructure{
			ID:        uuid.New(),
			OwnerID:   ownerID,
			Name:      req.Name,
			BBox:      req.BBox,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.CreateInfrastructure(r.Context(), infra); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create infrastructure", nil)
			return
		}

		response.Created(w, infra)
	}
}

// NewCreatePointHandler returns an http.HandlerFunc for
// POST /api/v1/infrastructures/{infraID}/points.
func NewCreatePointHandler(st InfraStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infra, ok := loadOwnedInfrastructure(w, r, st)
		if !ok {
			return
		}

		var req struct {
			Name string  `json:"name"`
			Lat  float64 `json:"lat"`
			Lon  float64 `json:"lon"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if req.Lat < -90 || req.Lat > 90 || req.Lon < -180 || req.Lon > 180 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"lat must be within [-90, 90] and lon within [-180, 180]", nil)
			return
		}

		point := &models.MonitoringPoint{
			ID:               uuid.New(),
			InfrastructureID: infra.ID,
			Name:             req.Name,
			Lat:              req.Lat,
			Lon:              req.Lon,
			CreatedAt:        time.Now().UTC(),
		}
		if err := st.CreateMonitoringPoint(r.Context(), point); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create monitoring point", nil)
			return
		}

		response.Created(w, point)
	}
}

// NewListPointsHandler returns an http.HandlerFunc for
// GET /api/v1/infrastructures/{infraID}/points.
func NewListPointsHandler(st InfraStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infra, ok := loadOwnedInfrastructure(w, r, st)
		if !ok {
			return
		}

		points, err := st.ListMonitoringPoints(r.Context(), infra.ID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list monitoring points", nil)
			return
		}

		response.JSON(w, points)
	}
}

// NewListVelocitiesHandler returns an http.HandlerFunc for
// GET /api/v1/infrastructures/{infraID}/velocities. Summaries reflect the last
// completed recompute; an infrastructure with no successful jobs yet returns
// an empty list.
func NewListVelocitiesHandler(st InfraStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infra, ok := loadOwnedInfrastructure(w, r, st)
		if !ok {
			return
		}

		summaries, err := st.ListVelocitySummaries(r.Context(), infra.ID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list velocity summaries", nil)
			return
		}

		response.JSON(w, summaries)
	}
}

func loadOwnedInfrastructure(w http.ResponseWriter, r *http.Request, st InfraStore) (*models.Infrastructure, bool) {
	ownerID, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return nil, false
	}

	infraID, err := uuid.Parse(chi.URLParam(r, "infraID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "infraID must be a valid UUID", nil)
		return nil, false
	}

	infra, err := st.GetInfrastructure(r.Context(), infraID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Infrastructure not found", nil)
		return nil, false
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
		return nil, false
	}
	if infra.OwnerID != ownerID {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Infrastructure not found", nil)
		return nil, false
	}

	return infra, true
}

func validateBBox(b models.BBox) string {
	if b.West < -180 || b.West > 180 || b.East < -180 || b.East > 180 {
		return "bbox west and east must be within [-180, 180]"
	}
	if b.South < -90 || b.South > 90 || b.North < -90 || b.North > 90 {
		return "bbox south and north must be within [-90, 90]"
	}
	if b.West >= b.East {
		return "bbox west must be less than east"
	}
	if b.South >= b.North {
		return "bbox south must be less than north"
	}
	return ""
}
