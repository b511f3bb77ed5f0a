// ABOUTME: Tests for the HTTP API handlers driven through the gateway's mux
// ABOUTME: Covers submission, idempotency, cancellation, result reports, agents, history, and metrics

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/scheduler"
	"github.com/2389/fleet-gateway/internal/store"
)

// newTestGateway builds a gateway without starting its servers or loops.
func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
	})
	return gw
}

// do sends a request through the gateway's mux and returns the recorder.
func do(t *testing.T, gw *Gateway, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

func submit(t *testing.T, gw *Gateway, priority string) SubmitResponse {
	t.Helper()
	rec := do(t, gw, http.MethodPost, "/api/requests", map[string]any{
		"name":       "checkout-" + priority,
		"capability": "chromium",
		"priority":   priority,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[SubmitResponse](t, rec)
}

// availableAgent starts an agent and waits until it is AVAILABLE.
func availableAgent(t *testing.T, gw *Gateway) scheduler.AgentSnapshot {
	t.Helper()
	gw.scheduler.FindAvailable("chromium")
	var agent scheduler.AgentSnapshot
	require.Eventually(t, func() bool {
		for _, a := range gw.scheduler.PoolSnapshot() {
			if a.Status == scheduler.AgentAvailable {
				agent = a
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return agent
}

// processingRequest submits a request, dispatches it, and waits for the
// executor to mark it PROCESSING.
func processingRequest(t *testing.T, gw *Gateway) string {
	t.Helper()
	availableAgent(t, gw)
	res := submit(t, gw, "normal")
	require.Equal(t, 1, gw.scheduler.Activate(context.Background()))
	require.Eventually(t, func() bool {
		view, err := gw.scheduler.GetRequest(res.ID)
		return err == nil && view.Status == scheduler.RequestProcessing
	}, 2*time.Second, 10*time.Millisecond)
	return res.ID
}

func TestHandleSubmit_Created(t *testing.T) {
	gw := newTestGateway(t)

	res := submit(t, gw, "high")

	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 1, res.QueuePosition)
	assert.False(t, res.Duplicate)
	assert.False(t, res.EstimatedStartTime.IsZero())
}

func TestHandleSubmit_Validation(t *testing.T) {
	gw := newTestGateway(t)

	tests := []struct {
		name    string
		body    any
		wantErr string
	}{
		{"invalid JSON", "{not json", "invalid JSON body"},
		{"empty body", nil, "request body is empty"},
		{"unknown priority", map[string]any{"capability": "chromium", "priority": "urgent"}, "unknown priority"},
		{"missing capability", map[string]any{"name": "no-cap"}, "capability is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, gw, http.MethodPost, "/api/requests", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, errorMessage(t, rec), tt.wantErr)
		})
	}
	assert.Empty(t, gw.scheduler.QueueSnapshot())
}

func TestHandleSubmit_IdempotencyKey(t *testing.T) {
	gw := newTestGateway(t)
	body := map[string]any{"capability": "chromium"}

	first := do(t, gw, http.MethodPost, "/api/requests", body, IdempotencyHeader, "order-42")
	require.Equal(t, http.StatusCreated, first.Code)
	original := decode[SubmitResponse](t, first)

	second := do(t, gw, http.MethodPost, "/api/requests", body, IdempotencyHeader, "order-42")
	require.Equal(t, http.StatusOK, second.Code)
	dup := decode[SubmitResponse](t, second)

	assert.True(t, dup.Duplicate)
	assert.Equal(t, original.ID, dup.ID)
	assert.Len(t, gw.scheduler.QueueSnapshot(), 1)

	// The body key is honored when no header is sent.
	keyed := map[string]any{"capability": "chromium", "idempotency_key": "order-42"}
	third := do(t, gw, http.MethodPost, "/api/requests", keyed)
	require.Equal(t, http.StatusOK, third.Code)
	assert.Equal(t, original.ID, decode[SubmitResponse](t, third).ID)
}

func TestHandleQueue_PriorityOrder(t *testing.T) {
	gw := newTestGateway(t)
	low := submit(t, gw, "low")
	critical := submit(t, gw, "critical")
	normal := submit(t, gw, "normal")

	rec := do(t, gw, http.MethodGet, "/api/requests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decode[[]scheduler.QueueEntry](t, rec)

	require.Len(t, queue, 3)
	assert.Equal(t, []string{critical.ID, normal.ID, low.ID}, []string{queue[0].ID, queue[1].ID, queue[2].ID})
	for i, e := range queue {
		assert.Equal(t, i+1, e.Position)
	}
}

func TestHandleGetRequest(t *testing.T) {
	gw := newTestGateway(t)
	res := submit(t, gw, "")

	rec := do(t, gw, http.MethodGet, "/api/requests/"+res.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[scheduler.RequestView](t, rec)
	assert.Equal(t, scheduler.RequestQueued, view.Status)
	assert.Equal(t, scheduler.PriorityNormal, view.Priority)
	assert.Equal(t, 1, view.QueuePosition)
	assert.NotNil(t, view.EstimatedStartTime)

	rec = do(t, gw, http.MethodGet, "/api/requests/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetRequest_FallsBackToStore(t *testing.T) {
	gw := newTestGateway(t)
	completed := time.Now().Add(-24 * time.Hour)
	require.NoError(t, gw.history.SaveArchived(context.Background(), scheduler.ArchivedRequest{
		ID:         "old-request",
		Capability: "firefox",
		Priority:   scheduler.PriorityLow,
		Status:     scheduler.RequestCompleted,
		Timing:     scheduler.Timing{QueuedAt: completed.Add(-time.Minute), CompletedAt: &completed},
	}))

	rec := do(t, gw, http.MethodGet, "/api/requests/old-request", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	archived := decode[scheduler.ArchivedRequest](t, rec)
	assert.Equal(t, "old-request", archived.ID)
	assert.Equal(t, scheduler.RequestCompleted, archived.Status)
}

func TestHandleCancel(t *testing.T) {
	gw := newTestGateway(t)
	res := submit(t, gw, "normal")

	rec := do(t, gw, http.MethodDelete, "/api/requests/"+res.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[scheduler.CancelResult](t, rec).Success)
	assert.Empty(t, gw.scheduler.QueueSnapshot())

	view := decode[scheduler.RequestView](t, do(t, gw, http.MethodGet, "/api/requests/"+res.ID, nil))
	assert.Equal(t, scheduler.RequestCancelled, view.Status)
	assert.Equal(t, scheduler.ReasonCancelled, view.Reason)

	rec = do(t, gw, http.MethodDelete, "/api/requests/"+res.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, gw, http.MethodDelete, "/api/requests/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCancel_ProcessingReleasesAgent(t *testing.T) {
	gw := newTestGateway(t)
	id := processingRequest(t, gw)

	rec := do(t, gw, http.MethodDelete, "/api/requests/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	pool := gw.scheduler.PoolSnapshot()
	require.Len(t, pool, 1)
	assert.Equal(t, scheduler.AgentAvailable, pool[0].Status)
	assert.Empty(t, pool[0].CurrentRequestID)
}

func TestHandleReportResult_Completed(t *testing.T) {
	gw := newTestGateway(t)
	id := processingRequest(t, gw)

	rec := do(t, gw, http.MethodPost, "/api/requests/"+id+"/result", ResultReport{
		Status: "completed",
		Output: map[string]string{"title": "Example Domain"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	archived := decode[scheduler.ArchivedRequest](t, rec)
	assert.Equal(t, scheduler.RequestCompleted, archived.Status)
	assert.Equal(t, "Example Domain", archived.Output["title"])

	rec = do(t, gw, http.MethodPost, "/api/requests/"+id+"/result", ResultReport{Status: scheduler.RequestFailed})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleReportResult_Failed(t *testing.T) {
	gw := newTestGateway(t)
	id := processingRequest(t, gw)

	rec := do(t, gw, http.MethodPost, "/api/requests/"+id+"/result", ResultReport{Status: scheduler.RequestFailed})
	require.Equal(t, http.StatusOK, rec.Code)
	archived := decode[scheduler.ArchivedRequest](t, rec)
	assert.Equal(t, scheduler.RequestFailed, archived.Status)
	assert.Equal(t, scheduler.ReasonExecutionFailed, archived.Reason)
}

func TestHandleReportResult_Invalid(t *testing.T) {
	gw := newTestGateway(t)
	res := submit(t, gw, "normal")

	rec := do(t, gw, http.MethodPost, "/api/requests/"+res.ID+"/result", ResultReport{Status: "DONE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// QUEUED cannot jump to COMPLETED.
	rec = do(t, gw, http.MethodPost, "/api/requests/"+res.ID+"/result", ResultReport{Status: scheduler.RequestCompleted})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/requests/missing/result", ResultReport{Status: scheduler.RequestProcessing})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListAgents_Filters(t *testing.T) {
	gw := newTestGateway(t)
	agent := availableAgent(t, gw)

	all := decode[[]scheduler.AgentSnapshot](t, do(t, gw, http.MethodGet, "/api/agents", nil))
	require.Len(t, all, 1)
	assert.Equal(t, agent.ID, all[0].ID)

	available := decode[[]scheduler.AgentSnapshot](t, do(t, gw, http.MethodGet, "/api/agents?status=available", nil))
	assert.Len(t, available, 1)

	firefox := decode[[]scheduler.AgentSnapshot](t, do(t, gw, http.MethodGet, "/api/agents?capability=firefox", nil))
	assert.Empty(t, firefox)
}

func TestHandleHeartbeat(t *testing.T) {
	gw := newTestGateway(t)
	agent := availableAgent(t, gw)

	rec := do(t, gw, http.MethodPost, "/api/agents/"+agent.ID+"/heartbeat", HeartbeatRequest{
		Performance: map[string]float64{"cpu": 0.25},
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	pool := gw.scheduler.PoolSnapshot()
	require.Len(t, pool, 1)
	assert.Equal(t, 0.25, pool[0].Performance["cpu"])

	// An empty body is a plain liveness ping.
	rec = do(t, gw, http.MethodPost, "/api/agents/"+agent.ID+"/heartbeat", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/agents/ghost/heartbeat", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMaintenance(t *testing.T) {
	gw := newTestGateway(t)
	agent := availableAgent(t, gw)
	path := "/api/agents/" + agent.ID + "/maintenance"

	rec := do(t, gw, http.MethodPost, path, MaintenanceRequest{Enabled: true})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, scheduler.AgentMaintenance, gw.scheduler.PoolSnapshot()[0].Status)

	// MAINTENANCE agents are never dispatched to.
	submit(t, gw, "normal")
	assert.Equal(t, 0, gw.scheduler.Activate(context.Background()))

	rec = do(t, gw, http.MethodPost, path, MaintenanceRequest{Enabled: false})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, scheduler.AgentAvailable, gw.scheduler.PoolSnapshot()[0].Status)

	rec = do(t, gw, http.MethodPost, path, "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRetire(t *testing.T) {
	gw := newTestGateway(t)
	agent := availableAgent(t, gw)

	rec := do(t, gw, http.MethodDelete, "/api/agents/"+agent.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, gw.scheduler.PoolSnapshot())

	rec = do(t, gw, http.MethodDelete, "/api/agents/"+agent.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRetire_FailsHeldRequest(t *testing.T) {
	gw := newTestGateway(t)
	id := processingRequest(t, gw)
	agentID := gw.scheduler.PoolSnapshot()[0].ID

	rec := do(t, gw, http.MethodDelete, "/api/agents/"+agentID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	view := decode[scheduler.RequestView](t, do(t, gw, http.MethodGet, "/api/requests/"+id, nil))
	assert.Equal(t, scheduler.RequestFailed, view.Status)
	assert.Equal(t, scheduler.ReasonAgentRetired, view.Reason)
}

func TestHandleHistory(t *testing.T) {
	gw := newTestGateway(t)
	first := submit(t, gw, "normal")
	second := submit(t, gw, "normal")
	do(t, gw, http.MethodDelete, "/api/requests/"+first.ID, nil)
	do(t, gw, http.MethodDelete, "/api/requests/"+second.ID, nil)

	rec := do(t, gw, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decode[HistoryResponse](t, rec)
	assert.Equal(t, "memory", hist.Source)
	require.Len(t, hist.Requests, 2)
	assert.Equal(t, second.ID, hist.Requests[0].ID, "newest first")

	limited := decode[HistoryResponse](t, do(t, gw, http.MethodGet, "/api/history?limit=1", nil))
	assert.Len(t, limited.Requests, 1)

	require.Eventually(t, func() bool {
		return gw.history.(*store.MockStore).Len() == 2
	}, 2*time.Second, 10*time.Millisecond)
	stored := decode[HistoryResponse](t, do(t, gw, http.MethodGet, "/api/history?source=store", nil))
	assert.Equal(t, "store", stored.Source)
	assert.Len(t, stored.Requests, 2)

	assert.Equal(t, http.StatusBadRequest, do(t, gw, http.MethodGet, "/api/history?limit=zero", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, gw, http.MethodGet, "/api/history?source=disk", nil).Code)
}

func TestHandleReady(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	availableAgent(t, gw)
	rec = do(t, gw, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (1 agents)", rec.Body.String())
}

func TestHandleMetrics(t *testing.T) {
	gw := newTestGateway(t)
	submit(t, gw, "critical")

	rec := do(t, gw, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, rec.Body.String(), `fleet_requests_submitted_total{priority="CRITICAL"}`)
}

func TestHandleMetrics_Disabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	rec := do(t, gw, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{scheduler.ErrRequestNotFound, http.StatusNotFound},
		{scheduler.ErrAgentNotFound, http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: capability is required", scheduler.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("%w: abc", scheduler.ErrAlreadyTerminal), http.StatusConflict},
		{scheduler.ErrIllegalTransition, http.StatusConflict},
		{scheduler.ErrAgentState, http.StatusConflict},
		{scheduler.ErrPoolAtCapacity, http.StatusServiceUnavailable},
		{scheduler.ErrShuttingDown, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusForError(tt.err))
		})
	}
}

func TestSendError_HidesInternalDetail(t *testing.T) {
	gw := newTestGateway(t)
	rec := httptest.NewRecorder()

	gw.sendError(rec, errors.New("sqlite: database is locked"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", errorMessage(t, rec))
}
