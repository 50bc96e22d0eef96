package controllers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rzbill/santa/internal/workflow"
	logpkg "github.com/rzbill/santa/pkg/log"
)

// RunsController exposes the workflow engine: start, inspect, cancel and
// retrigger runs, and read their transition history.
type RunsController struct {
	engine   *workflow.Engine
	defaults workflow.Input
	logger   logpkg.Logger
}

// NewRunsController creates a runs controller. defaults is the input used
// by /v1/runs/start when the request does not override it.
func NewRunsController(engine *workflow.Engine, defaults workflow.Input, logger logpkg.Logger) *RunsController {
	return &RunsController{engine: engine, defaults: defaults, logger: logger}
}

// RegisterRoutes registers run routes with the given mux.
func (c *RunsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/runs", c.handleList)
	mux.HandleFunc("/v1/runs/start", c.handleStart)
	mux.HandleFunc("/v1/runs/get", c.handleGet)
	mux.HandleFunc("/v1/runs/cancel", c.handleCancel)
	mux.HandleFunc("/v1/runs/retrigger", c.handleRetrigger)
	mux.HandleFunc("/v1/runs/history", c.handleHistory)
}

func (c *RunsController) handleList(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	runs, err := c.engine.List(parseLimit(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []workflow.Run{}
	}
	writeJSON(w, map[string]any{"runs": runs})
}

// handleStart starts a run and returns once it is waiting or finished.
// An empty body uses the configured input.
func (c *RunsController) handleStart(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req startRunReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	in := c.defaults
	if req.ChannelID != "" {
		in.ChannelID = req.ChannelID
	}
	wait, err := parseDuration(req.WaitDuration)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid waitDuration")
		return
	}
	if wait > 0 {
		in.WaitDuration = wait
	}
	id, err := c.engine.Start(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	c.logger.Info("run started over http", logpkg.RunID(id))
	writeCreated(w, runIDResp{ID: id})
}

func (c *RunsController) handleGet(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	run, err := c.engine.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, run)
}

func (c *RunsController) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req runIDReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	run, err := c.engine.Cancel(r.Context(), req.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, run)
}

func (c *RunsController) handleRetrigger(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req runIDReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	id, err := c.engine.Retrigger(r.Context(), req.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeCreated(w, runIDResp{ID: id})
}

func (c *RunsController) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	entries, err := c.engine.History(q.Get("id"), parseLimit(q.Get("limit"), 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []workflow.HistoryEntry{}
	}
	writeJSON(w, map[string]any{"history": entries})
}
