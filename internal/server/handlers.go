package server

import (
	"net/http"
	"strconv"

	"blocksmith/internal/agent"
	"blocksmith/internal/core"
)

// =============================================================================
// BLOCKS
// =============================================================================

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if query := q.Get("q"); query != "" {
		limit := intParam(q.Get("limit"), 10)
		results, err := s.registry.Search(r.Context(), query, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
		return
	}

	var blocks []*core.BlockDefinition
	var err error
	switch {
	case q.Get("category") != "":
		blocks, err = s.registry.ListByCategory(r.Context(), core.BlockCategory(q.Get("category")))
	case q.Get("created_by") != "":
		blocks, err = s.registry.ListByCreator(r.Context(), q.Get("created_by"))
	default:
		blocks, err = s.registry.List(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blocks": blocks})
}

func (s *Server) handleSaveBlock(w http.ResponseWriter, r *http.Request) {
	var block core.BlockDefinition
	if err := s.decodeBody(r, &block); err != nil {
		writeError(w, err)
		return
	}
	// Uploads never claim system or synthesizer provenance.
	if block.Metadata.CreatedBy == "" || block.Metadata.CreatedBy == core.CreatedBySystem {
		block.Metadata.CreatedBy = core.CreatedByUser
	}
	if err := s.registry.Save(r.Context(), &block); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": block.ID})
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	block, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": r.PathValue("id")})
}

// =============================================================================
// PIPELINES
// =============================================================================

type savePipelineRequest struct {
	UserID   string         `json:"user_id"`
	Pipeline *core.Pipeline `json:"pipeline" validate:"required"`
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListPipelines(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pipelines": records})
}

func (s *Server) handleSavePipeline(w http.ResponseWriter, r *http.Request) {
	var req savePipelineRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SavePipeline(r.Context(), orLocal(req.UserID), req.Pipeline); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.Pipeline.ID})
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetPipeline(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePipeline(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": r.PathValue("id")})
}

type triggerRequest struct {
	Data map[string]interface{} `json:"data"`
}

// handleTriggerPipeline runs a stored pipeline with an inbound payload,
// the webhook-side binding of trigger blocks.
func (s *Server) handleTriggerPipeline(w http.ResponseWriter, r *http.Request) {
	s.webhooks.Add(1)
	var req triggerRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	run, err := s.agent.TriggerRun(r.Context(), r.PathValue("id"), req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runDocument(run))
}

// =============================================================================
// RUNS
// =============================================================================

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records, err := s.store.ListRuns(r.Context(),
		q.Get("user"), q.Get("pipeline"), q.Get("status"), intParam(q.Get("limit"), 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": records})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	rec, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := s.store.GetNodeResults(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	log, err := s.store.GetRunLog(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":     rec,
		"results": results,
		"log":     log,
	})
}

// runDocument flattens a run state for transport.
func runDocument(run *core.RunState) map[string]interface{} {
	return map[string]interface{}{
		"run_id":      run.RunID,
		"pipeline_id": run.PipelineID,
		"user_id":     run.UserID,
		"failed":      run.Failed(),
		"results":     run.Results(),
	}
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type markReadRequest struct {
	UserID string  `json:"user_id" validate:"required"`
	IDs    []int64 `json:"ids" validate:"required,min=1"`
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unread := q.Get("unread") == "true"
	items, err := s.store.ListNotifications(r.Context(),
		orLocal(q.Get("user")), unread, intParam(q.Get("limit"), 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": items})
}

func (s *Server) handleMarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.MarkNotificationsRead(r.Context(), req.UserID, req.IDs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"read": len(req.IDs)})
}

// =============================================================================
// INTENT EXECUTION + WEBHOOK INTAKE
// =============================================================================

type runIntentRequest struct {
	Intent      string                 `json:"intent" validate:"required,min=1"`
	UserID      string                 `json:"user_id" validate:"omitempty,max=128"`
	TriggerData map[string]interface{} `json:"trigger_data"`
	UserFacts   map[string]interface{} `json:"user_facts"`
}

// handleRunIntent plans and executes in one call and returns the full
// outcome. Long-running; interactive clients use the SSE stream to
// watch planning and this endpoint when they want the result only.
func (s *Server) handleRunIntent(w http.ResponseWriter, r *http.Request) {
	var req runIntentRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.agent.RunIntent(r.Context(), agent.Request{
		Intent:      req.Intent,
		UserID:      req.UserID,
		TriggerData: req.TriggerData,
		UserFacts:   req.UserFacts,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"plan":     out.Plan,
		"pipeline": out.Pipeline,
	}
	if out.Run != nil {
		resp["run"] = runDocument(out.Run)
	}
	writeJSON(w, http.StatusOK, resp)
}

type webhookMessageRequest struct {
	Message string `json:"message" validate:"required,min=1"`
	UserID  string `json:"user_id" validate:"omitempty,max=128"`
}

// handleWebhookMessage is the messaging-adapter binding: an inbound
// message becomes a planner request and the reply carries the final
// planner output.
func (s *Server) handleWebhookMessage(w http.ResponseWriter, r *http.Request) {
	s.webhooks.Add(1)
	var req webhookMessageRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	state, err := s.agent.PlanIntent(r.Context(), req.Message, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   state.Status.String(),
		"pipeline": state.PipelineJSON,
		"plan":     state,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func orLocal(userID string) string {
	if userID == "" {
		return "local"
	}
	return userID
}
