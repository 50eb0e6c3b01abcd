package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/database"
	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/modules/drift"
	"github.com/aristath/rebalancer/internal/modules/models"
	"github.com/aristath/rebalancer/internal/modules/optimization"
	"github.com/aristath/rebalancer/internal/modules/rebalancing"
	"github.com/aristath/rebalancer/internal/modules/validation"
	"github.com/aristath/rebalancer/pkg/logger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logger.New(logger.Config{Level: "error"})

	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "models.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := models.NewRepository(db, log)
	require.NoError(t, err)

	validator := validation.NewService(log)
	calculator := drift.NewCalculator(log)
	engine := optimization.NewEngine(validator, 10*time.Second, log)
	orchestrator := rebalancing.NewOrchestrator(validator, calculator, engine, 2, log)

	return New(Config{
		Port:         0,
		Log:          log,
		DB:           db,
		Orchestrator: orchestrator,
		Repository:   repo,
		DevMode:      true,
	})
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func balancedModelBody() map[string]interface{} {
	return map[string]interface{}{
		"name": "balanced",
		"positions": []map[string]interface{}{
			{"security_id": "AAA", "target": "0.4", "bound_low": "0", "bound_high": "0.02"},
			{"security_id": "BBB", "target": "0.3", "bound_low": "0", "bound_high": "0.02"},
		},
	}
}

func cashSnapshotBody(id string) map[string]interface{} {
	return map[string]interface{}{
		"portfolio_id": id,
		"quantities":   map[string]int64{},
		"prices":       map[string]string{"AAA": "50", "BBB": "75"},
		"cash":         "100000",
		"market_value": "100000",
	}
}

func TestServer_ModelCRUD(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/models", balancedModelBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/api/models/balanced", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Name    string `json:"name"`
		Version int64  `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "balanced", got.Name)
	assert.Equal(t, int64(1), got.Version)

	rec = doJSON(t, srv, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/models/balanced", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/models/balanced", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CreateModel_InvalidTarget(t *testing.T) {
	srv := newTestServer(t)

	body := balancedModelBody()
	body["positions"] = []map[string]interface{}{
		{"security_id": "AAA", "target": "0.0041", "bound_low": "0", "bound_high": "0.02"},
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/models", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.RuleTargetQuantum, resp["code"])
}

func TestServer_RebalancePortfolio_InlineModel(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/rebalance/portfolio", map[string]interface{}{
		"model":    balancedModelBody(),
		"snapshot": cashSnapshotBody("p1"),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		IsFeasible       bool             `json:"is_feasible"`
		TargetQuantities map[string]int64 `json:"target_quantities"`
		SolverStatus     string           `json:"solver_status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.IsFeasible)
	assert.Equal(t, int64(800), result.TargetQuantities["AAA"])
	assert.Equal(t, int64(400), result.TargetQuantities["BBB"])
	assert.Equal(t, "optimal", result.SolverStatus)
}

func TestServer_RebalancePortfolio_MissingPrice(t *testing.T) {
	srv := newTestServer(t)

	snapshot := cashSnapshotBody("p1")
	snapshot["prices"] = map[string]string{"AAA": "50"}

	rec := doJSON(t, srv, http.MethodPost, "/api/rebalance/portfolio", map[string]interface{}{
		"model":    balancedModelBody(),
		"snapshot": snapshot,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.RuleMissingPrice, resp["code"])
}

func TestServer_RebalanceModel_StoredModel(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/models", balancedModelBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/rebalance/model", map[string]interface{}{
		"model_name": "balanced",
		"snapshots":  []interface{}{cashSnapshotBody("p1"), cashSnapshotBody("p2")},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report struct {
		Succeeded int    `json:"succeeded"`
		Failed    int    `json:"failed"`
		ModelName string `json:"model_name"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, "balanced", report.ModelName)

	// A successful batch persists the rebalance date under a version bump.
	rec = doJSON(t, srv, http.MethodGet, "/api/models/balanced", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Version           int64     `json:"version"`
		LastRebalanceDate time.Time `json:"last_rebalance_date"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(2), got.Version)
	assert.False(t, got.LastRebalanceDate.IsZero())
}

func TestServer_Drift(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/drift", map[string]interface{}{
		"model":    balancedModelBody(),
		"snapshot": cashSnapshotBody("p1"),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var drifts []struct {
		SecurityID    string `json:"security_id"`
		OutOfBounds   bool   `json:"out_of_bounds"`
		RequiredTrade int64  `json:"required_trade"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drifts))
	require.Len(t, drifts, 2)
	assert.Equal(t, "AAA", drifts[0].SecurityID)
	assert.True(t, drifts[0].OutOfBounds)
	assert.Equal(t, int64(800), drifts[0].RequiredTrade)
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestWriteError_StatusMapping(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})

	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "validation error",
			err:  domain.NewValidationError(domain.RuleTargetRange, "bad target"),
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "concurrency error",
			err:  &domain.ConcurrencyError{ModelName: "m", Expected: 1, Found: 2},
			want: http.StatusConflict,
		},
		{
			name: "not found",
			err:  models.ErrNotFound,
			want: http.StatusNotFound,
		},
		{
			name: "unknown error",
			err:  assert.AnError,
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, log, tt.err)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
