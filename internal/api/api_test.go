package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresuchdata/export2s3/internal/domain"
	"github.com/andresuchdata/export2s3/internal/pipeline"
	"github.com/andresuchdata/export2s3/internal/repository/postgres"
)

type fakeRuns struct {
	runs   []pipeline.Run
	filter postgres.RunFilter
	err    error
}

func (f *fakeRuns) ListRuns(_ context.Context, filter postgres.RunFilter) ([]pipeline.Run, error) {
	f.filter = filter
	return f.runs, f.err
}

func (f *fakeRuns) GetRun(_ context.Context, id int64) (*pipeline.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	for i := range f.runs {
		if f.runs[i].ID == id {
			return &f.runs[i], nil
		}
	}
	return nil, postgres.ErrRunNotFound
}

type fakeResults map[string]*domain.BatchResult

func (f fakeResults) LatestResult(_ context.Context, root string) (*domain.BatchResult, bool, error) {
	res, ok := f[root]
	return res, ok, nil
}

func (f fakeResults) Roots(context.Context) ([]string, error) {
	roots := make([]string, 0, len(f))
	for root := range f {
		roots = append(roots, root)
	}
	return roots, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, services *Services, target string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(services, []string{"*"}, zerolog.Nop())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	rec := serve(t, nil, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListRunsPassesFilter(t *testing.T) {
	runs := &fakeRuns{runs: []pipeline.Run{
		{ID: 2, TargetRoot: "s3://lake/rapid7/2025/week_10", Status: pipeline.RunFailed},
	}}

	rec := serve(t, &Services{Runs: runs},
		"/api/v1/runs?target_root=s3://lake/rapid7/2025/week_10&status=failed,Completed&status=skipped&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data  []pipeline.Run `json:"data"`
		Count int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, int64(2), body.Data[0].ID)

	assert.Equal(t, "s3://lake/rapid7/2025/week_10", runs.filter.TargetRoot)
	assert.Equal(t, []string{"failed", "completed", "skipped"}, runs.filter.Statuses)
	assert.Equal(t, 5, runs.filter.Limit)
}

func TestListRunsStoreFailure(t *testing.T) {
	rec := serve(t, &Services{Runs: &fakeRuns{err: errors.New("db down")}}, "/api/v1/runs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestRunsWithoutStore(t *testing.T) {
	rec := serve(t, &Services{}, "/api/v1/runs")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetRun(t *testing.T) {
	runs := &fakeRuns{runs: []pipeline.Run{{
		ID:     7,
		Status: pipeline.RunCompleted,
		Records: []domain.RecordOutcome{
			{Seq: 1, Kind: domain.KindObjectURL, Status: domain.RecordSucceeded},
		},
	}}}
	services := &Services{Runs: runs}

	rec := serve(t, services, "/api/v1/runs/7")
	require.Equal(t, http.StatusOK, rec.Code)
	var run pipeline.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, pipeline.RunCompleted, run.Status)
	require.Len(t, run.Records, 1)

	assert.Equal(t, http.StatusNotFound, serve(t, services, "/api/v1/runs/8").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, services, "/api/v1/runs/abc").Code)
}

func TestLatestResult(t *testing.T) {
	root := "s3://lake/rapid7/2025/week_10"
	services := &Services{Results: fakeResults{
		root: {TargetRoot: root, Succeeded: 3},
	}}

	rec := serve(t, services, "/api/v1/results/latest?target_root="+root)
	require.Equal(t, http.StatusOK, rec.Code)
	var res domain.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 3, res.Succeeded)

	assert.Equal(t, http.StatusNotFound, serve(t, services, "/api/v1/results/latest?target_root=s3://lake/other").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, services, "/api/v1/results/latest").Code)
}

func TestCachedRoots(t *testing.T) {
	root := "s3://lake/rapid7/2025/week_10"
	rec := serve(t, &Services{Results: fakeResults{root: {TargetRoot: root}}}, "/api/v1/results/roots")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":["s3://lake/rapid7/2025/week_10"],"count":1}`, rec.Body.String())

	assert.Equal(t, http.StatusServiceUnavailable, serve(t, &Services{}, "/api/v1/results/roots").Code)
}

func TestNormalizeAllowedOrigins(t *testing.T) {
	origins, all := normalizeAllowedOrigins([]string{"https://a.example, https://b.example", " "})
	assert.False(t, all)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, origins)

	_, all = normalizeAllowedOrigins([]string{"*"})
	assert.True(t, all)
}
