package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/sentryal/insar-pipeline/internal/api/middleware"
	"github.com/sentryal/insar-pipeline/internal/store"
	"github.com/sentryal/insar-pipeline/pkg/models"
)

// --- mock InfraStore ---

type mockInfraStore struct {
	infra     *models.Infrastructure
	points    []*models.MonitoringPoint
	summaries []models.VelocitySummary

	createdInfra *models.Infrastructure
	createdPoint *models.MonitoringPoint
}

func (m *mockInfraStore) CreateInfrastructure(_ context.Context, infra *models.Infrastructure) error {
	m.createdInfra = infra
	return nil
}

func (m *mockInfraStore) GetInfrastructure(_ context.Context, id uuid.UUID) (*models.Infrastructure, error) {
	if m.infra == nil || m.infra.ID != id {
		return nil, store.ErrNotFound
	}
	return m.infra, nil
}

func (m *mockInfraStore) CreateMonitoringPoint(_ context.Context, point *models.MonitoringPoint) error {
	m.createdPoint = point
	return nil
}

func (m *mockInfraStore) ListMonitoringPoints(_ context.Context, _ uuid.UUID) ([]*models.MonitoringPoint, error) {
	return m.points, nil
}

func (m *mockInfraStore) ListVelocitySummaries(_ context.Context, _ uuid.UUID) ([]models.VelocitySummary, error) {
	return m.summaries, nil
}

// --- helpers ---

func infraReq(t *testing.T, method, path string, body any, ownerID uuid.UUID, infraID string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	ctx := mw.SetOwnerID(r.Context(), ownerID)
	if infraID != "" {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("infraID", infraID)
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return r.WithContext(ctx)
}

func validBBox() map[string]any {
	return map[string]any{"west": -120.5, "east": -120.1, "south": 35.1, "north": 35.4}
}

// --- CreateInfrastructure tests ---

func TestCreateInfrastructure_Success(t *testing.T) {
	st := &mockInfraStore{}
	h := NewCreateInfrastructureHandler(st)
	rec := httptest.NewRecorder()

	body := map[string]any{"name": "harbor bridge", "bbox": validBBox()}
	h.ServeHTTP(rec, infraReq(t, http.MethodPost, "/api/v1/infrastructures", body, uuid.New(), ""))

	data := dataBody(t, rec, http.StatusCreated)
	if data["name"] != "harbor bridge" {
		t.Errorf("unexpected name: %v", data["name"])
	}
	if st.createdInfra == nil {
		t.Fatal("expected infrastructure to be created")
	}
	if st.createdInfra.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func TestCreateInfrastructure_MissingName(t *testing.T) {
	h := NewCreateInfrastructureHandler(&mockInfraStore{})
	rec := httptest.NewRecorder()

	body := map[string]any{"bbox": validBBox()}
	h.ServeHTTP(rec, infraReq(t, http.MethodPost, "/api/v1/infrastructures", body, uuid.New(), ""))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateInfrastructure_InvalidBBox(t *testing.T) {
	tests := []struct {
		name string
		bbox map[string]any
	}{
		{"west not less than east", map[string]any{"west": -120.1, "east": -120.5, "south": 35.1, "north": 35.4}},
		{"south not less than north", map[string]any{"west": -120.5, "east": -120.1, "south": 35.4, "north": 35.1}},
		{"longitude out of range", map[string]any{"west": -200.0, "east": -120.1, "south": 35.1, "north": 35.4}},
		{"latitude out of range", map[string]any{"west": -120.5, "east": -120.1, "south": -95.0, "north": 35.4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCreateInfrastructureHandler(&mockInfraStore{})
			rec := httptest.NewRecorder()

			body := map[string]any{"name": "bad bbox", "bbox": tt.bbox}
			h.ServeHTTP(rec, infraReq(t, http.MethodPost, "/api/v1/infrastructures", body, uuid.New(), ""))

			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

// --- CreatePoint tests ---

func TestCreatePoint_Success(t *testing.T) {
	ownerID := uuid.New()
	infra := &models.Infrastructure{ID: uuid.New(), OwnerID: ownerID}
	st := &mockInfraStore{infra: infra}

	h := NewCreatePointHandler(st)
	rec := httptest.NewRecorder()

	body := map[string]any{"name": "north pier", "lat": 35.2, "lon": -120.3}
	path := "/api/v1/infrastructures/" + infra.ID.String() + "/points"
	h.ServeHTTP(rec, infraReq(t, http.MethodPost, path, body, ownerID, infra.ID.String()))

	data := dataBody(t, rec, http.StatusCreated)
	if data["name"] != "north pier" {
		t.Errorf("unexpected name: %v", data["name"])
	}
	if st.createdPoint == nil || st.createdPoint.InfrastructureID != infra.ID {
		t.Errorf("expected point bound to infrastructure %s", infra.ID)
	}
}

func TestCreatePoint_CoordinatesOutOfRange(t *testing.T) {
	ownerID := uuid.New()
	infra := &models.Infrastructure{ID: uuid.New(), OwnerID: ownerID}
	st := &mockInfraStore{infra: infra}

	h := NewCreatePointHandler(st)
	rec := httptest.NewRecorder()

	body := map[string]any{"name": "off the map", "lat": 95.0, "lon": -120.3}
	path := "/api/v1/infrastructures/" + infra.ID.String() + "/points"
	h.ServeHTTP(rec, infraReq(t, http.MethodPost, path, body, ownerID, infra.ID.String()))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreatePoint_OtherOwnersInfrastructureIs404(t *testing.T) {
	infra := &models.Infrastructure{ID: uuid.New(), OwnerID: uuid.New()}
	st := &mockInfraStore{infra: infra}

	h := NewCreatePointHandler(st)
	rec := httptest.NewRecorder()

	body := map[string]any{"name": "pier", "lat": 35.2, "lon": -120.3}
	path := "/api/v1/infrastructures/" + infra.ID.String() + "/points"
	h.ServeHTTP(rec, infraReq(t, http.MethodPost, path, body, uuid.New(), infra.ID.String()))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// --- ListPoints / ListVelocities tests ---

func TestListPoints_Success(t *testing.T) {
	ownerID := uuid.New()
	infra := &models.Infrastructure{ID: uuid.New(), OwnerID: ownerID}
	st := &mockInfraStore{
		infra: infra,
		points: []*models.MonitoringPoint{
			{ID: uuid.New(), InfrastructureID: infra.ID, Name: "north pier"},
			{ID: uuid.New(), InfrastructureID: infra.ID, Name: "south pier"},
		},
	}

	h := NewListPointsHandler(st)
	rec := httptest.NewRecorder()

	path := "/api/v1/infrastructures/" + infra.ID.String() + "/points"
	h.ServeHTTP(rec, infraReq(t, http.MethodGet, path, nil, ownerID, infra.ID.String()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var env struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Data) != 2 {
		t.Errorf("expected 2 points, got %d", len(env.Data))
	}
}

func TestListVelocities_EmptyBeforeFirstRecompute(t *testing.T) {
	ownerID := uuid.New()
	infra := &models.Infrastructure{ID: uuid.New(), OwnerID: ownerID}
	st := &mockInfraStore{infra: infra}

	h := NewListVelocitiesHandler(st)
	rec := httptest.NewRecorder()

	path := "/api/v1/infrastructures/" + infra.ID.String() + "/velocities"
	h.ServeHTTP(rec, infraReq(t, http.MethodGet, path, nil, ownerID, infra.ID.String()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestListVelocities_ReturnsSummaries(t *testing.T) {
	ownerID := uuid.New()
	infra := &models.Infrastructure{ID: uuid.New(), OwnerID: ownerID}
	st := &mockInfraStore{
		infra: infra,
		summaries: []models.VelocitySummary{
			{PointID: uuid.New(), InfrastructureID: infra.ID, VelocityMMPerYr: -3.2, Trend: models.TrendSubsiding, SampleCount: 12},
		},
	}

	h := NewListVelocitiesHandler(st)
	rec := httptest.NewRecorder()

	path := "/api/v1/infrastructures/" + infra.ID.String() + "/velocities"
	h.ServeHTTP(rec, infraReq(t, http.MethodGet, path, nil, ownerID, infra.ID.String()))

	var env struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Data) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(env.Data))
	}
	if env.Data[0]["trend"] != models.TrendSubsiding {
		t.Errorf("unexpected trend: %v", env.Data[0]["trend"])
	}
}
