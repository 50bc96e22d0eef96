package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/rzbill/santa/internal/queue"
	"github.com/rzbill/santa/internal/worker"
	"github.com/rzbill/santa/pkg/id"
	logpkg "github.com/rzbill/santa/pkg/log"
)

// QueueController exposes the notification queue: stats, the dead-letter
// sink and redrive, completed messages and worker counters.
type QueueController struct {
	q      *queue.Queue
	w      *worker.Worker
	logger logpkg.Logger
}

// NewQueueController creates a queue controller. w may be nil when no
// worker runs in this process.
func NewQueueController(q *queue.Queue, w *worker.Worker, logger logpkg.Logger) *QueueController {
	return &QueueController{q: q, w: w, logger: logger}
}

// RegisterRoutes registers queue routes with the given mux.
func (c *QueueController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/queue/stats", c.handleStats)
	mux.HandleFunc("/v1/queue/completed", c.handleCompleted)
	mux.HandleFunc("/v1/queue/dlq", c.handleListDLQ)
	mux.HandleFunc("/v1/queue/dlq/get", c.handleGetDLQ)
	mux.HandleFunc("/v1/queue/dlq/redrive", c.handleRedrive)
	mux.HandleFunc("/v1/worker/stats", c.handleWorkerStats)
}

func (c *QueueController) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	st, err := c.q.Stats()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, st)
}

func (c *QueueController) handleCompleted(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	items, err := c.q.ListCompleted(parseLimit(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if items == nil {
		items = []queue.Completed{}
	}
	writeJSON(w, map[string]any{"completed": items})
}

func (c *QueueController) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	items, err := c.q.ListDeadLetters(parseLimit(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if items == nil {
		items = []queue.DeadLetter{}
	}
	writeJSON(w, map[string]any{"deadLetters": items})
}

func (c *QueueController) handleGetDLQ(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	mid, err := id.Parse(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}
	dl, err := c.q.GetDeadLetter(mid)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, dl)
}

// handleRedrive moves one dead letter back to the queue with its receive
// count reset.
func (c *QueueController) handleRedrive(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req messageIDReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	mid, err := id.Parse(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}
	msg, err := c.q.RedriveDeadLetter(r.Context(), mid)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	c.logger.Info("dead letter redriven over http", logpkg.MessageID(mid.String()))
	writeJSON(w, msg)
}

func (c *QueueController) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if c.w == nil {
		writeError(w, http.StatusNotFound, "no worker in this process")
		return
	}
	writeJSON(w, c.w.Stats())
}
