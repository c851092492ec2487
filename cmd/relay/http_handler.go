package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mood-agency/relay-sub002/internal/activity"
	"github.com/mood-agency/relay-sub002/internal/anomaly"
	"github.com/mood-agency/relay-sub002/internal/broadcast"
	"github.com/mood-agency/relay-sub002/internal/engine"
	"github.com/mood-agency/relay-sub002/internal/queue"
	"github.com/mood-agency/relay-sub002/internal/relayerr"
)

type handler struct {
	ops         engine.Operations
	engine      *engine.Engine
	broadcaster *broadcast.Broadcaster
	activity    *activity.Recorder
	anomalies   *anomaly.Registry
	logger      *zap.Logger
}

func NewHandler(ops engine.Operations, eng *engine.Engine, b *broadcast.Broadcaster,
	recorder *activity.Recorder, anomalies *anomaly.Registry, logger *zap.Logger) *handler {

	return &handler{
		ops:         ops,
		engine:      eng,
		broadcaster: b,
		activity:    recorder,
		anomalies:   anomalies,
		logger:      logger.With(zap.String("component", "http")),
	}
}

func (h *handler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/messages", h.handleEnqueue)
	mux.HandleFunc("POST /api/messages/batch", h.handleEnqueueBatch)
	mux.HandleFunc("GET /api/messages/{id}", h.handleGetMessage)
	mux.HandleFunc("POST /api/messages/{id}/ack", h.handleAck)
	mux.HandleFunc("POST /api/messages/{id}/nack", h.handleNack)
	mux.HandleFunc("POST /api/messages/{id}/touch", h.handleTouch)

	mux.HandleFunc("GET /api/queues", h.handleListQueues)
	mux.HandleFunc("POST /api/queues", h.handleCreateQueue)
	mux.HandleFunc("GET /api/queues/{name}", h.handleGetQueue)
	mux.HandleFunc("PATCH /api/queues/{name}", h.handleUpdateQueue)
	mux.HandleFunc("DELETE /api/queues/{name}", h.handleDeleteQueue)
	mux.HandleFunc("POST /api/queues/{name}/rename", h.handleRenameQueue)
	mux.HandleFunc("POST /api/queues/{name}/purge", h.handlePurgeQueue)
	mux.HandleFunc("POST /api/queues/{name}/clear", h.handleClearQueue)
	mux.HandleFunc("POST /api/queues/{name}/dequeue", h.handleDequeue)
	mux.HandleFunc("GET /api/queues/{name}/messages", h.handleListMessages)

	mux.HandleFunc("POST /api/admin/requeue-failed", h.handleRequeueFailed)
	mux.HandleFunc("POST /api/admin/move", h.handleMoveMessages)

	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/stats", h.handleMetricsSnapshot)
	mux.HandleFunc("GET /api/activity", h.handleListActivity)
	mux.HandleFunc("GET /api/anomalies", h.handleListAnomalies)
	mux.HandleFunc("GET /api/events", h.handleEvents)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps tagged failures to their wire status; anything untagged
// is an internal error.
func (h *handler) writeError(w http.ResponseWriter, err error) {
	code, ok := relayerr.CodeOf(err)
	if !ok {
		h.logger.Error("request failed", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, relayerr.Error{
			Code: relayerr.CodeInternal, Message: "internal error",
		})
		return
	}
	h.writeJSON(w, relayerr.HTTPStatus(code), relayerr.Error{Code: code, Message: err.Error()})
}

func (h *handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req engine.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, err)
		return
	}

	msg, err := h.ops.EnqueueBuffered(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, msg)
}

func (h *handler) handleEnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Queue    string                 `json:"queue"`
		Priority int                    `json:"priority"`
		Messages []engine.EnqueueRequest `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "invalid request body"))
		return
	}
	if req.Queue == "" {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "queue is required"))
		return
	}

	msgs, err := h.ops.EnqueueBatch(r.Context(), req.Queue, req.Priority, req.Messages)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (h *handler) handleDequeue(w http.ResponseWriter, r *http.Request) {
	req := engine.DequeueRequest{
		Queue:      r.PathValue("name"),
		ConsumerID: r.URL.Query().Get("consumer_id"),
		TypeFilter: r.URL.Query().Get("type"),
	}
	if v := r.URL.Query().Get("wait_s"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			req.Wait = time.Duration(secs) * time.Second
		}
	}
	if v := r.URL.Query().Get("ack_timeout_s"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			req.AckTimeoutSeconds = secs
		}
	}

	claim, err := h.ops.Dequeue(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if claim == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, claim)
}

func (h *handler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.ops.GetMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, msg)
}

func (h *handler) handleAck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LockToken string `json:"lock_token"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	if err := h.ops.Ack(r.Context(), r.PathValue("id"), body.LockToken); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

func (h *handler) handleNack(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LockToken string `json:"lock_token"`
		Reason    string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	if err := h.ops.Nack(r.Context(), r.PathValue("id"), body.LockToken, body.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"nacked": true})
}

func (h *handler) handleTouch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LockToken     string `json:"lock_token"`
		ExtendSeconds int    `json:"extend_seconds"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	res, err := h.ops.Touch(r.Context(), r.PathValue("id"), body.LockToken, body.ExtendSeconds)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *handler) handleListQueues(w http.ResponseWriter, r *http.Request) {
	defs, err := h.engine.Queues().List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, defs)
}

func (h *handler) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var def queue.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "invalid request body"))
		return
	}

	created, err := h.engine.Queues().Create(r.Context(), def)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *handler) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	withStats := r.URL.Query().Get("stats") == "true"
	def, err := h.engine.Queues().Get(r.Context(), r.PathValue("name"), withStats)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, def)
}

func (h *handler) handleUpdateQueue(w http.ResponseWriter, r *http.Request) {
	var patch queue.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "invalid request body"))
		return
	}

	def, err := h.engine.Queues().UpdateConfig(r.Context(), r.PathValue("name"), patch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, def)
}

func (h *handler) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := h.engine.Queues().Delete(r.Context(), r.PathValue("name"), force); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleRenameQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewName string `json:"new_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NewName == "" {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "new_name is required"))
		return
	}

	if err := h.engine.Queues().Rename(r.Context(), r.PathValue("name"), body.NewName); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"name": body.NewName})
}

func (h *handler) handlePurgeQueue(w http.ResponseWriter, r *http.Request) {
	count, err := h.engine.Queues().Purge(r.Context(), r.PathValue("name"), r.URL.Query().Get("status"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"purged": count})
}

func (h *handler) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	count, err := h.ops.ClearQueue(r.Context(), r.PathValue("name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"cleared": count})
}

func (h *handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	msgs, err := h.ops.ListMessages(r.Context(), r.PathValue("name"),
		engine.Status(q.Get("status")), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, msgs)
}

func (h *handler) handleRequeueFailed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Queue string `json:"queue"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	count, err := h.ops.RequeueFailed(r.Context(), body.Queue)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"requeued": count})
}

func (h *handler) handleMoveMessages(w http.ResponseWriter, r *http.Request) {
	var req engine.MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "invalid request body"))
		return
	}

	count, err := h.ops.MoveMessages(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"moved": count})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ops.GetStatus(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *handler) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ops.GetMetrics(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *handler) handleListActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := activity.Filter{
		QueueName:  q.Get("queue"),
		Action:     q.Get("action"),
		MessageID:  q.Get("message_id"),
		ConsumerID: q.Get("consumer_id"),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = &t
		}
	}

	entries, total, err := h.activity.List(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}

func (h *handler) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := anomaly.Filter{
		QueueName:  q.Get("queue"),
		Type:       q.Get("type"),
		Severity:   q.Get("severity"),
		ConsumerID: q.Get("consumer_id"),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = &t
		}
	}

	records, err := h.anomalies.List(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

// handleEvents streams broadcaster events as server-sent events until the
// client disconnects.
func (h *handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := h.broadcaster.Subscribe(64)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Health(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
