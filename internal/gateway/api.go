// ABOUTME: HTTP API for submitting and cancelling requests, reporting results, and managing agents
// ABOUTME: Also serves health, Prometheus metrics, history, and the telemetry WebSocket

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/2389/fleet-gateway/internal/ingress"
	"github.com/2389/fleet-gateway/internal/observability"
	"github.com/2389/fleet-gateway/internal/scheduler"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/telemetry"
)

// IdempotencyHeader carries the submitter's idempotency key. It takes
// precedence over idempotency_key in the body.
const IdempotencyHeader = "Idempotency-Key"

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 50
)

// SubmitResponse is returned from POST /api/requests.
type SubmitResponse struct {
	scheduler.SubmitResult
	Duplicate bool `json:"duplicate"`
}

// ResultReport is the body of POST /api/requests/{id}/result, sent by
// executors running outside the gateway.
type ResultReport struct {
	Status scheduler.RequestStatus `json:"status"` // PROCESSING, COMPLETED or FAILED
	Reason string                  `json:"reason,omitempty"`
	Output map[string]string       `json:"output,omitempty"`
}

// HeartbeatRequest is the optional body of POST /api/agents/{id}/heartbeat.
type HeartbeatRequest struct {
	Performance map[string]float64 `json:"performance,omitempty"`
}

// MaintenanceRequest is the body of POST /api/agents/{id}/maintenance.
type MaintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

// HistoryResponse is returned from GET /api/history.
type HistoryResponse struct {
	Source   string                      `json:"source"`
	Requests []scheduler.ArchivedRequest `json:"requests"`
}

// registerRoutes wires every HTTP endpoint onto mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST /api/requests", g.handleSubmit)
	mux.HandleFunc("GET /api/requests", g.handleQueue)
	mux.HandleFunc("GET /api/requests/{id}", g.handleGetRequest)
	mux.HandleFunc("DELETE /api/requests/{id}", g.handleCancel)
	mux.HandleFunc("POST /api/requests/{id}/result", g.handleReportResult)

	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("POST /api/agents/{id}/heartbeat", g.handleHeartbeat)
	mux.HandleFunc("POST /api/agents/{id}/maintenance", g.handleMaintenance)
	mux.HandleFunc("DELETE /api/agents/{id}", g.handleRetire)

	mux.HandleFunc("GET /api/history", g.handleHistory)

	if g.config.Metrics.Enabled {
		path := g.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.HandleFunc("GET "+path, g.handleMetrics)
	}
	mux.Handle("GET /ws/telemetry", telemetry.Handler(g.broadcaster, g.logger))
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is AVAILABLE or BUSY.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	serving := 0
	for _, a := range g.scheduler.PoolSnapshot() {
		if a.Status == scheduler.AgentAvailable || a.Status == scheduler.AgentBusy {
			serving++
		}
	}
	if serving == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents available"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", serving)
}

// handleSubmit queues a request. A repeated Idempotency-Key within the TTL
// returns the original request with 200 instead of 201.
func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	_, span := observability.StartSpan(r.Context(), "http.submit")
	defer span.End()

	var msg ingress.SubmitMessage
	if err := decodeBody(w, r, &msg); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	priority, err := scheduler.ParsePriority(msg.Priority)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := msg.IdempotencyKey
	if h := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); h != "" {
		key = h
	}

	res, dup, err := g.submitter.Submit(key, scheduler.SubmitRequest{
		Name:       msg.Name,
		Capability: msg.Capability,
		Priority:   priority,
		Metadata:   msg.Metadata,
	})
	if err != nil {
		g.sendError(w, err)
		return
	}
	span.SetAttributes(attribute.String("request.id", res.ID), attribute.Bool("request.duplicate", dup))

	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	}
	g.sendJSON(w, status, SubmitResponse{SubmitResult: res, Duplicate: dup})
}

// handleQueue lists QUEUED requests in dispatch order.
func (g *Gateway) handleQueue(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.scheduler.QueueSnapshot())
}

// handleGetRequest describes a live or archived request. Requests that have
// aged out of in-memory history are looked up in the store.
func (g *Gateway) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := g.scheduler.GetRequest(id)
	if errors.Is(err, scheduler.ErrRequestNotFound) {
		rec, storeErr := g.history.GetArchived(r.Context(), id)
		if storeErr == nil {
			g.sendJSON(w, http.StatusOK, rec)
			return
		}
		if !errors.Is(storeErr, store.ErrNotFound) {
			g.logger.Warn("history lookup failed", "request_id", id, "error", storeErr)
		}
	}
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, view)
}

// handleCancel cancels a live request.
func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := g.scheduler.Cancel(r.PathValue("id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, res)
}

// handleReportResult applies an external executor's progress report.
func (g *Gateway) handleReportResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var report ResultReport
	if err := decodeBody(w, r, &report); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch scheduler.RequestStatus(strings.ToUpper(string(report.Status))) {
	case scheduler.RequestProcessing:
		if err := g.scheduler.Begin(id); err != nil {
			g.sendError(w, err)
			return
		}
		view, err := g.scheduler.GetRequest(id)
		if err != nil {
			g.sendError(w, err)
			return
		}
		g.sendJSON(w, http.StatusOK, view)
	case scheduler.RequestCompleted:
		rec, err := g.scheduler.Complete(id, report.Output)
		if err != nil {
			g.sendError(w, err)
			return
		}
		g.sendJSON(w, http.StatusOK, rec)
	case scheduler.RequestFailed:
		rec, err := g.scheduler.Fail(id, report.Reason)
		if err != nil {
			g.sendError(w, err)
			return
		}
		g.sendJSON(w, http.StatusOK, rec)
	default:
		g.sendJSONError(w, http.StatusBadRequest, "status must be PROCESSING, COMPLETED or FAILED")
	}
}

// handleListAgents lists agents, optionally filtered by ?capability= and ?status=.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	status := strings.ToUpper(r.URL.Query().Get("status"))

	agents := g.scheduler.PoolSnapshot()
	response := make([]scheduler.AgentSnapshot, 0, len(agents))
	for _, a := range agents {
		if capability != "" && a.Capability != capability {
			continue
		}
		if status != "" && string(a.Status) != status {
			continue
		}
		response = append(response, a)
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleHeartbeat records a push heartbeat for an agent.
func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb HeartbeatRequest
	if err := decodeBody(w, r, &hb); err != nil && !errors.Is(err, errEmptyBody) {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.scheduler.Heartbeat(r.PathValue("id"), hb.Performance); err != nil {
		g.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMaintenance moves an agent into or out of MAINTENANCE.
func (g *Gateway) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req MaintenanceRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.scheduler.SetMaintenance(id, req.Enabled); err != nil {
		g.sendError(w, err)
		return
	}
	g.logger.Info("agent maintenance updated", "agent_id", id, "enabled", req.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

// handleRetire removes an agent, failing any request it held.
func (g *Gateway) handleRetire(w http.ResponseWriter, r *http.Request) {
	if err := g.scheduler.Retire(r.PathValue("id")); err != nil {
		g.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHistory returns archived requests, newest first. ?source=store reads
// the persistent store instead of the scheduler's bounded in-memory history.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	switch source := r.URL.Query().Get("source"); source {
	case "", "memory":
		g.sendJSON(w, http.StatusOK, HistoryResponse{Source: "memory", Requests: nonNil(g.scheduler.History(limit))})
	case "store":
		recs, err := g.history.ListArchived(r.Context(), limit)
		if err != nil {
			g.logger.Error("listing archived requests", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "failed to read history")
			return
		}
		g.sendJSON(w, http.StatusOK, HistoryResponse{Source: "store", Requests: nonNil(recs)})
	default:
		g.sendJSONError(w, http.StatusBadRequest, "source must be memory or store")
	}
}

// handleMetrics renders the metrics registry in Prometheus text format.
func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = io.WriteString(w, observability.Default.RenderPrometheus())
}

var errEmptyBody = errors.New("request body is empty")

// decodeBody decodes a bounded JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func nonNil(recs []scheduler.ArchivedRequest) []scheduler.ArchivedRequest {
	if recs == nil {
		return []scheduler.ArchivedRequest{}
	}
	return recs
}

// statusForError maps scheduler and store sentinels onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrRequestNotFound),
		errors.Is(err, scheduler.ErrAgentNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrAlreadyTerminal),
		errors.Is(err, scheduler.ErrIllegalTransition),
		errors.Is(err, scheduler.ErrAgentState):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrPoolAtCapacity),
		errors.Is(err, scheduler.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err with the status its sentinel maps to. Unmapped errors
// are logged and reported without detail.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
