package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sentryal/insar-pipeline/internal/catalog"
	"github.com/sentryal/insar-pipeline/internal/ingest"
	"github.com/sentryal/insar-pipeline/internal/metrics"
	"github.com/sentryal/insar-pipeline/internal/processing"
	"github.com/sentryal/insar-pipeline/internal/queue"
	"github.com/sentryal/insar-pipeline/internal/store"
	"github.com/sentryal/insar-pipeline/internal/worker"
	"github.com/sentryal/insar-pipeline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	refGranule = "S1A_IW_SLC__1SDV_20230115T170012_20230115T170039_046789_059B2F_AB12"
	secGranule = "S1A_IW_SLC__1SDV_20230320T170012_20230320T170039_047719_059D10_CD34"
)

// --- Fakes ---

type fakeStore struct {
	mu sync.Mutex

	job    *models.Job
	infra  *models.Infrastructure
	points []*models.MonitoringPoint

	transitions []string
	attempts    []int

	written []models.Measurement
}

func (f *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.job == nil || f.job.ID != id {
		return nil, store.ErrNotFound
	}
	j := *f.job
	return &j, nil
}

func (f *fakeStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.job == nil || f.job.ID != id {
		return store.ErrNotFound
	}
	if !transitionAllowed(f.job.Status, status) {
		return store.ErrInvalidTransition
	}
	f.job.Status = status
	f.transitions = append(f.transitions, status)
	return nil
}

func (f *fakeStore) RecordJobAttempt(_ context.Context, _ uuid.UUID, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeStore) GetInfrastructure(_ context.Context, id uuid.UUID) (*models.Infrastructure, error) {
	if f.infra == nil || f.infra.ID != id {
		return nil, store.ErrNotFound
	}
	return f.infra, nil
}

func (f *fakeStore) ListMonitoringPoints(_ context.Context, _ uuid.UUID) ([]*models.MonitoringPoint, error) {
	return f.points, nil
}

func (f *fakeStore) UpsertMeasurements(_ context.Context, ms []models.Measurement) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, ms...)
	return int64(len(ms)), nil
}

func transitionAllowed(from, to string) bool {
	switch from {
	case models.JobStatusPending:
		return to == models.JobStatusProcessing || to == models.JobStatusCancelled
	case models.JobStatusProcessing:
		return to == models.JobStatusSucceeded || to == models.JobStatusFailed || to == models.JobStatusCancelled
	}
	return false
}

type fakeResolver struct {
	err   error
	calls int
}

func (f *fakeResolver) ResolveLocations(_ context.Context, reference, secondary string) (catalog.Location, catalog.Location, error) {
	f.calls++
	if f.err != nil {
		return catalog.Location{}, catalog.Location{}, f.err
	}
	return catalog.Location{Granule: reference, URL: "https://example.com/ref.zip"},
		catalog.Location{Granule: secondary, URL: "https://example.com/sec.zip"}, nil
}

type fakeProcessor struct {
	result *processing.Result
	err    error

	mu       sync.Mutex
	requests []processing.Request
}

func (f *fakeProcessor) Process(_ context.Context, req processing.Request) (*processing.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeProcessor) Name() string { return "fake" }

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, id uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeEnqueuer) Name() string { return "recompute" }

// --- Fixtures ---

func fptr(v float64) *float64 { return &v }

func newFixture() (*fakeStore, []*models.MonitoringPoint) {
	infraID := uuid.New()
	points := []*models.MonitoringPoint{
		{ID: uuid.New(), InfrastructureID: infraID, Name: "north pier", Lat: 35.2, Lon: -120.3},
		{ID: uuid.New(), InfrastructureID: infraID, Name: "south pier", Lat: 35.19, Lon: -120.31},
	}
	st := &fakeStore{
		job: &models.Job{
			ID:               uuid.New(),
			OwnerID:          uuid.New(),
			InfrastructureID: infraID,
			ReferenceGranule: refGranule,
			SecondaryGranule: secGranule,
			Status:           models.JobStatusPending,
		},
		infra: &models.Infrastructure{
			ID:   infraID,
			Name: "harbor bridge",
			BBox: models.BBox{West: -120.5, East: -120.1, South: 35.1, North: 35.4},
		},
		points: points,
	}
	return st, points
}

func successResult(points []*models.MonitoringPoint) *processing.Result {
	url := "https://example.com/ifg.tif"
	dp := make([]processing.DisplacementPoint, 0, len(points))
	for i, p := range points {
		dp = append(dp, processing.DisplacementPoint{
			PointID:        p.ID.String(),
			DisplacementMM: fptr(float64(i) - 1.5),
			Coherence:      fptr(0.85),
			Valid:          true,
		})
	}
	return &processing.Result{
		Status: "success",
		Results: &processing.ResultPayload{
			InterferogramURL:   &url,
			DisplacementPoints: dp,
			Statistics:         processing.Statistics{ValidPoints: len(dp)},
		},
		ProcessingSecs: 142.0,
	}
}

func newHandler(st *fakeStore, res *fakeResolver, proc *fakeProcessor, rq *fakeEnqueuer, maxAttempts int) *worker.ProcessHandler {
	return worker.NewProcessHandler(st, res, proc, ingest.New(st), rq, metrics.New(),
		time.Minute, maxAttempts, "")
}

// --- Tests ---

func TestProcessHandler_Success(t *testing.T) {
	st, points := newFixture()
	proc := &fakeProcessor{result: successResult(points)}
	rq := &fakeEnqueuer{}
	h := newHandler(st, &fakeResolver{}, proc, rq, 120)

	err := h.Handle(context.Background(), &queue.Delivery{ID: st.job.ID, Attempt: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{models.JobStatusProcessing, models.JobStatusSucceeded}, st.transitions)
	assert.Len(t, st.written, 2)
	require.Len(t, rq.ids, 1)
	assert.Equal(t, st.infra.ID, rq.ids[0])

	require.Len(t, proc.requests, 1)
	req := proc.requests[0]
	assert.Equal(t, "https://example.com/ref.zip", req.ReferenceURL)
	assert.Len(t, req.Points, 2)
	assert.Equal(t, st.infra.BBox.West, req.BBox.West)
}

func TestProcessHandler_AcquisitionDateFromSecondary(t *testing.T) {
	st, points := newFixture()
	h := newHandler(st, &fakeResolver{}, &fakeProcessor{result: successResult(points)}, &fakeEnqueuer{}, 120)

	require.NoError(t, h.Handle(context.Background(), &queue.Delivery{ID: st.job.ID, Attempt: 1}))

	want := time.Date(2023, 3, 20, 17, 0, 12, 0, time.UTC)
	require.NotEmpty(t, st.written)
	for _, m := range st.written {
		assert.Equal(t, want, m.AcquisitionDate)
	}
}

func TestProcessHandler_InvalidRowsFiltered(t *testing.T) {
	st, points := newFixture()
	res := successResult(points)
	res.Results.DisplacementPoints[1].Valid = false
	h := newHandler(st, &fakeResolver{}, &fakeProcessor{result: res}, &fakeEnqueuer{}, 120)

	require.NoError(t, h.Handle(context.Background(), &queue.Delivery{ID: st.job.ID, Attempt: 1}))

	// The invalid row is dropped, the job still succeeds on the rest.
	assert.Len(t, st.written, 1)
	assert.Equal(t, models.JobStatusSucceeded, st.job.Status)
}

func TestProcessHandler_MissingJobNonRetryable(t *testing.T) {
	st, _ := newFixture()
	h := newHandler(st, &fakeResolver{}, &fakeProcessor{}, &fakeEnqueuer{}, 120)

	err := h.Handle(context.Background(), &queue.Delivery{ID: uuid.New(), Attempt: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrNonRetryable)
}

func TestProcessHandler_TerminalJobSkipped(t *testing.T) {
	st, _ := newFixture()
	st.job.Status = models.JobStatusCancelled
	proc := &fakeProcessor{}
	h := newHandler(st, &fakeResolver{}, proc, &fakeEnqueuer{}, 120)

	err := h.Handle(context.Background(), &queue.Delivery{ID: st.job.ID, Attempt: 2})
	require.NoError(t, err)
	assert.Empty(t, proc.requests)
	assert.Empty(t, st.transitions)
}

func TestProcessHandler_MalformedGranuleFailsFast(t *testing.T) {
	st, _ := newFixture()
	st.job.ReferenceGranule = "not-a-granule"
	h := newHandler(st, &fakeResolver{}, &fakeProcessor{}, &fakeEnqueuer{}, 120)

	err := h.Handle(context.Background(), &queue.Delivery{ID: st.job.ID, Attempt: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrNonRetryable)
	assert.Equal(t, models.JobStatusFailed, st.job.Status)
}

func TestProcessHandler_TransientErrorLeavesProcessing(t *testing.T) {
	st, _ := newFixture()
	proc := &fakeProcessor{err: processing.ErrUnavailable}
	h := newHandler(st, &fakeResolver{}, proc, &fakeEnqueuer{}, 120)

	err := h.Handle(context.Background(), &queue.Delivery{ID: st.job.ID, Attempt: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, worker.ErrNonRetryable)

	// The row stays in processing; the queue retry schedule owns what
	// happens next.
	assert.Equal(t, models.JobStatusProcessing, st.job.Status)
}

func TestProcessHandler_ExhaustedBudgetFailsJob(t *testing.T) {
	st, _ := newFixture()
	proc := &fakeProcessor{err: processing.ErrTimeout}
	h := newHandler(st, &fakeResolver{}, proc, &fakeEnqueuer{}, 3)

	err := h.Handle(context.Background(), &queue.Delivery{ID: st.job.ID, Attempt: 3})
	require.Error(t, err)
	assert.Equal(t, models.JobStatusFailed, st.job.Status)
}

func TestProcessHandler_RedeliveryDoesNotRetransition(t *testing.T) {
	st, points := newFixture()
	st.job.Status = models.JobStatusProcessing
	h := newHandler(st, &fakeResolver{}, &fakeProcessor{result: successResult(points)}, &fakeEnqueuer{}, 120)

	require.NoError(t, h.Handle(context.Background(), &queue.Delivery{ID: st.job.ID, Attempt: 2}))

	// Only the terminal transition fires; processing was already recorded.
	assert.Equal(t, []string{models.JobStatusSucceeded}, st.transitions)
}

func TestProcessHandler_GranuleNotInCatalogFailsFast(t *testing.T) {
	st, _ := newFixture()
	res := &fakeResolver{err: catalog.ErrGranuleNotFound}
	h := newHandler(st, res, &fakeProcessor{}, &fakeEnqueuer{}, 120)

	err := h.Handle(context.Background(), &queue.Delivery{ID: st.job.ID, Attempt: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrNonRetryable)
	assert.Equal(t, models.JobStatusFailed, st.job.Status)
}

func TestProcessHandler_CatalogOutageRetryable(t *testing.T) {
	st, _ := newFixture()
	res := &fakeResolver{err: catalog.ErrUnreachable}
	h := newHandler(st, res, &fakeProcessor{}, &fakeEnqueuer{}, 120)

	err := h.Handle(context.Background(), &queue.Delivery{ID: st.job.ID, Attempt: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, worker.ErrNonRetryable)
}

func TestProcessHandler_RecomputeEnqueueFailureRetryable(t *testing.T) {
	st, points := newFixture()
	rq := &fakeEnqueuer{err: errors.New("redis down")}
	h := newHandler(st, &fakeResolver{}, &fakeProcessor{result: successResult(points)}, rq, 120)

	err := h.Handle(context.Background(), &queue.Delivery{ID: st.job.ID, Attempt: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, worker.ErrNonRetryable)
	// Measurements are upserts; the retry re-writes the same keys.
	assert.Equal(t, models.JobStatusProcessing, st.job.Status)
}

// cancellingProcessor cancels the job while it is in flight, simulating a
// DELETE arriving between pickup and completion.
type cancellingProcessor struct {
	st     *fakeStore
	result *processing.Result
}

func (c *cancellingProcessor) Process(_ context.Context, _ processing.Request) (*processing.Result, error) {
	c.st.mu.Lock()
	c.st.job.Status = models.JobStatusCancelled
	c.st.mu.Unlock()
	return c.result, nil
}

func (c *cancellingProcessor) Name() string { return "fake" }

func TestProcessHandler_CancelledMidFlight(t *testing.T) {
	st, points := newFixture()
	proc := &cancellingProcessor{st: st, result: successResult(points)}
	rq := &fakeEnqueuer{}
	h := worker.NewProcessHandler(st, &fakeResolver{}, proc, ingest.New(st), rq, metrics.New(),
		time.Minute, 120, "")

	err := h.Handle(context.Background(), &queue.Delivery{ID: st.job.ID, Attempt: 1})
	require.NoError(t, err)

	// The cancel wins; the result transition is skipped and the job stays
	// cancelled.
	assert.Equal(t, models.JobStatusCancelled, st.job.Status)
	assert.NotContains(t, st.transitions, models.JobStatusSucceeded)
}

func TestProcessHandler_MirrorsAttemptCounter(t *testing.T) {
	st, points := newFixture()
	h := newHandler(st, &fakeResolver{}, &fakeProcessor{result: successResult(points)}, &fakeEnqueuer{}, 120)

	require.NoError(t, h.Handle(context.Background(), &queue.Delivery{ID: st.job.ID, Attempt: 4}))
	assert.Equal(t, []int{4}, st.attempts)
}
