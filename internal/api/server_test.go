// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellwerk/railwatch/internal/audit"
	"github.com/stellwerk/railwatch/internal/bus"
	"github.com/stellwerk/railwatch/internal/config"
	"github.com/stellwerk/railwatch/internal/conflict"
	"github.com/stellwerk/railwatch/internal/decision"
	"github.com/stellwerk/railwatch/internal/detect"
	"github.com/stellwerk/railwatch/internal/hub"
	"github.com/stellwerk/railwatch/internal/ingest"
	"github.com/stellwerk/railwatch/internal/kv"
	"github.com/stellwerk/railwatch/internal/model"
	"github.com/stellwerk/railwatch/internal/predict"
	"github.com/stellwerk/railwatch/internal/ratelimit"
	"github.com/stellwerk/railwatch/internal/store"
)

const (
	operatorToken   = "tok-operator"
	supervisorToken = "tok-supervisor"
)

type apiFixture struct {
	srv   *httptest.Server
	store *store.Store
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mini := miniredis.RunT(t)
	client := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mini.Addr()}))
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	require.NoError(t, st.PutController(ctx,
		model.Controller{ID: 1, EmployeeID: "CTR010", Level: model.LevelOperator, Active: true}, operatorToken))
	require.NoError(t, st.PutController(ctx,
		model.Controller{ID: 2, EmployeeID: "CTR001", Level: model.LevelSupervisor, Sections: []int64{7}, Active: true}, supervisorToken))
	require.NoError(t, st.PutSection(ctx, model.Section{
		ID: 7, Code: "T-7", Type: model.SectionTrack, Length: 2000, MaxSpeed: 100, Capacity: 1, Active: true}))
	require.NoError(t, st.PutTrain(ctx, model.Train{
		ID: 101, Number: "ICE 101", Type: model.TrainExpress, MaxSpeed: 200, Capacity: 400,
		Length: 200, Weight: 400, Priority: 8, Status: model.StatusActive}))

	opts := config.Defaults()
	b := bus.New()
	sections, err := st.ListSections(ctx)
	require.NoError(t, err)
	pred := predict.New(sections, predict.Options{
		Horizon: opts.PredictionHorizon, FloorSpeed: opts.TravelTimeFloorSpeed, Margin: opts.TravelTimeMargin,
	})

	pipeline := ingest.New(st, pred, b, ingest.Config{Workers: 2, QueueCapacity: 64})
	runCtx, cancel := context.WithCancel(ctx)
	pipeline.Start(runCtx)
	t.Cleanup(func() {
		cancel()
		pipeline.Wait()
	})

	limiter := ratelimit.New(client, opts.RateLimits)
	auditLog := audit.NewLogger()
	engine := decision.New(st, client, b, limiter, nil, auditLog, opts)
	det := conflict.New(opts.SeverityWeights, opts.AlertWindow, opts.SafetyBuffer)
	scheduler := detect.New(st, client, b, det, pred, nil, limiter, opts)
	h := hub.New(opts)

	server := New(st, client, pipeline, engine, scheduler, h, auditLog, opts)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, store: st}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
}

func TestHealthAndMetricsUnauthenticated(t *testing.T) {
	f := newAPI(t)

	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresBearerToken(t *testing.T) {
	f := newAPI(t)

	resp := f.do(t, http.MethodGet, "/api/conflicts/active", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/conflicts/active", "tok-bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/conflicts/active", operatorToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPositionRoundTrip(t *testing.T) {
	f := newAPI(t)
	now := time.Now().UTC().Add(-time.Minute)

	report := model.PositionReport{
		TrainID: 101, SectionID: 7, Timestamp: now,
		Speed: 80, Heading: 90, DistanceFromStart: -1, SignalStrength: -1, GPSAccuracy: -1,
	}
	resp := f.do(t, http.MethodPost, "/api/positions", operatorToken, report)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/positions/101", operatorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pos model.PositionReport
	decodeInto(t, resp, &pos)
	assert.Equal(t, int64(7), pos.SectionID)

	resp = f.do(t, http.MethodGet, "/api/sections/7/trains", operatorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sec struct {
		Trains []int64 `json:"trains"`
	}
	decodeInto(t, resp, &sec)
	assert.Equal(t, []int64{101}, sec.Trains)

	// Stale replay maps onto 409.
	report.Timestamp = now.Add(-time.Second)
	resp = f.do(t, http.MethodPost, "/api/positions", operatorToken, report)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestBulkPartialSuccess(t *testing.T) {
	f := newAPI(t)
	now := time.Now().UTC().Add(-time.Minute)

	batch := []model.PositionReport{
		{TrainID: 101, SectionID: 7, Timestamp: now, Speed: 80, Heading: 90,
			DistanceFromStart: -1, SignalStrength: -1, GPSAccuracy: -1},
		{TrainID: 999, SectionID: 7, Timestamp: now, Speed: 80, Heading: 90,
			DistanceFromStart: -1, SignalStrength: -1, GPSAccuracy: -1},
	}
	resp := f.do(t, http.MethodPost, "/api/positions/bulk", operatorToken, batch)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		Accepted int `json:"accepted"`
		Rejected int `json:"rejected"`
	}
	decodeInto(t, resp, &out)
	assert.Equal(t, 1, out.Accepted)
	assert.Equal(t, 1, out.Rejected)
}

func TestDetectAndResolveFlow(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()
	now := time.Now().UTC().Add(-time.Minute)

	// Second train shares single-capacity section 7.
	require.NoError(t, f.store.PutTrain(ctx, model.Train{
		ID: 102, Number: "RB 102", Type: model.TrainLocal, MaxSpeed: 120, Capacity: 200,
		Length: 80, Weight: 120, Priority: 5, Status: model.StatusActive}))
	for i, id := range []int64{101, 102} {
		_, err := f.store.RecordPosition(ctx, model.PositionReport{
			TrainID: id, SectionID: 7, Timestamp: now.Add(time.Duration(i) * time.Second),
			Speed: 0, Heading: 90, DistanceFromStart: -1, SignalStrength: -1, GPSAccuracy: -1,
		}, 0, time.Time{})
		require.NoError(t, err)
	}

	// Operators may not trigger detection.
	resp := f.do(t, http.MethodPost, "/api/detect", operatorToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/detect", supervisorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run struct {
		New       int              `json:"new"`
		Conflicts []model.Conflict `json:"conflicts"`
	}
	decodeInto(t, resp, &run)
	require.Equal(t, 1, run.New)
	conflictID := run.Conflicts[0].ID

	resp = f.do(t, http.MethodGet, "/api/conflicts/active", operatorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active struct {
		Count int `json:"count"`
	}
	decodeInto(t, resp, &active)
	assert.Equal(t, 1, active.Count)

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/api/conflicts/%d/resolve", conflictID), supervisorToken,
		decision.ResolveRequest{Verdict: model.ResolveReject, Rationale: "dispatcher confirmed siding move"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var ack decision.Ack
	decodeInto(t, resp, &ack)
	assert.NotZero(t, ack.DecisionID)

	// The audit trail shows the recorded decision.
	resp = f.do(t, http.MethodGet, "/api/decisions?action=MANUAL_OVERRIDE", operatorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page decision.AuditPage
	decodeInto(t, resp, &page)
	assert.EqualValues(t, 1, page.Total)
}

func TestControlTrainEndpoint(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()

	// Put the train into the supervisor's section.
	_, err := f.store.RecordPosition(ctx, model.PositionReport{
		TrainID: 101, SectionID: 7, Timestamp: time.Now().UTC().Add(-time.Minute),
		Speed: 50, Heading: 90, DistanceFromStart: -1, SignalStrength: -1, GPSAccuracy: -1,
	}, 0, time.Time{})
	require.NoError(t, err)

	body := decision.ControlRequest{
		Action: model.ActionDelay,
		Params: model.CommandParams{Delay: &model.DelayParams{DelayMinutes: 10}},
		Reason: "hold for connecting service",
	}
	resp := f.do(t, http.MethodPost, "/api/trains/101/control", operatorToken, body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/trains/101/control", supervisorToken, body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestPerformanceEndpoint(t *testing.T) {
	f := newAPI(t)

	resp := f.do(t, http.MethodGet, "/api/metrics/performance?window=15m", supervisorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report decision.PerformanceReport
	decodeInto(t, resp, &report)
	assert.Equal(t, 15*time.Minute, report.Window)

	resp = f.do(t, http.MethodGet, "/api/metrics/performance?window=bogus", supervisorToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/metrics/performance", operatorToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
