package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/node/builtin"
	"github.com/flowmesh/flowmesh/engine/queue"
	"github.com/flowmesh/flowmesh/engine/store"
	"github.com/flowmesh/flowmesh/engine/stream"
	"github.com/flowmesh/flowmesh/engine/workflow"
)

type submitRequest struct {
	Payload  any `json:"payload"`
	Priority int `json:"priority"`
}

// submitRun enqueues a manual run of a workflow. Execution is
// asynchronous; the response carries the ids needed to follow it.
func (s *Server) submitRun(c *gin.Context) {
	cfg, ok := s.resolveWorkflow(c)
	if !ok {
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, fmt.Errorf("decoding request body: %w", err))
		return
	}
	s.enqueue(c, cfg, core.ModeManual, req.Payload, req.Priority)
}

// webhook enqueues a webhook-mode run with the request body as the
// trigger payload. The workflow must declare an enabled webhook trigger.
func (s *Server) webhook(c *gin.Context) {
	cfg, ok := s.resolveWorkflow(c)
	if !ok {
		return
	}
	if !hasEnabledTrigger(cfg, builtin.TypeWebhookTrigger) {
		respondError(c, http.StatusNotFound,
			fmt.Errorf("workflow %q has no enabled webhook trigger", cfg.ID))
		return
	}
	var payload any
	if err := c.ShouldBindJSON(&payload); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, fmt.Errorf("decoding webhook payload: %w", err))
		return
	}
	s.enqueue(c, cfg, core.ModeWebhook, payload, 0)
}

func (s *Server) resolveWorkflow(c *gin.Context) (*workflow.Config, bool) {
	workflowID := c.Param("workflow_id")
	cfg, err := s.deps.Source.Get(workflowID)
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return nil, false
	}
	return cfg, true
}

func (s *Server) enqueue(c *gin.Context, cfg *workflow.Config, mode core.RunMode, payload any, priority int) {
	job, err := s.deps.Queue.Enqueue(c.Request.Context(), &queue.EnqueueRequest{
		WorkflowID:    cfg.ID,
		Mode:          mode,
		Payload:       payload,
		Priority:      priority,
		MaxConcurrent: cfg.Settings.MaxConcurrentRuns,
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"execution_id": job.ExecutionID,
		"job_id":       job.ID,
		"status":       core.StatusPending,
	})
}

func hasEnabledTrigger(cfg *workflow.Config, nodeType string) bool {
	for _, n := range cfg.Nodes {
		if n.Type == nodeType && !n.Disabled {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Executions
// -----------------------------------------------------------------------------

func (s *Server) getExecution(c *gin.Context) {
	execID, err := core.ParseID(c.Param("exec_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	record, err := s.deps.Repo.GetRecord(c.Request.Context(), execID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, err)
			return
		}
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) listExecutions(c *gin.Context) {
	filter := &store.RecordFilter{}
	if workflowID := c.Query("workflow_id"); workflowID != "" {
		filter.WorkflowID = &workflowID
	}
	if status := c.Query("status"); status != "" {
		statusType := core.StatusType(status)
		filter.Status = &statusType
	}
	if limit := c.Query("limit"); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil || parsed < 0 {
			respondError(c, http.StatusBadRequest, fmt.Errorf("invalid limit %q", limit))
			return
		}
		filter.Limit = parsed
	}
	records, err := s.deps.Repo.ListRecords(c.Request.Context(), filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": records})
}

// cancelExecution flips the cancellation flag of a run executing in
// this process. Cancellation is cooperative: the current node finishes
// before the run stops.
func (s *Server) cancelExecution(c *gin.Context) {
	execID, err := core.ParseID(c.Param("exec_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if s.deps.Hub == nil || !s.deps.Hub.Cancel(execID) {
		respondError(c, http.StatusNotFound,
			fmt.Errorf("execution %q is not running in this process", execID))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": execID, "status": core.StatusCanceled})
}

// -----------------------------------------------------------------------------
// Progress stream
// -----------------------------------------------------------------------------

// streamExecution serves run progress as server-sent events until the
// run finishes or the client disconnects. A run already terminal gets a
// single synthetic run_finished event.
func (s *Server) streamExecution(c *gin.Context) {
	execID, err := core.ParseID(c.Param("exec_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	record, err := s.deps.Repo.GetRecord(c.Request.Context(), execID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, err)
			return
		}
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	if record.Status.IsTerminal() {
		writeEvent(c, stream.Event{
			Type:        stream.EventRunFinished,
			ExecutionID: record.ID,
			WorkflowID:  record.WorkflowID,
			Status:      record.Status,
		})
		return
	}

	events, cancel := s.subscribe(c, execID)
	defer cancel()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			writeEvent(c, event)
			if event.Type == stream.EventRunFinished {
				return
			}
		}
	}
}

// subscribe prefers the in-process broker and falls back to the Redis
// mirror for runs owned by another replica.
func (s *Server) subscribe(c *gin.Context, execID core.ID) (<-chan stream.Event, func()) {
	if s.deps.Broker != nil {
		return s.deps.Broker.Subscribe(execID)
	}
	return stream.SubscribeRedis(c.Request.Context(), s.deps.Redis, execID.String())
}

func writeEvent(c *gin.Context, event stream.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Type, payload)
	c.Writer.Flush()
}

// -----------------------------------------------------------------------------
// Catalog and queue inspection
// -----------------------------------------------------------------------------

func (s *Server) listNodes(c *gin.Context) {
	types := s.deps.Registry.Types()
	descriptors := make([]json.RawMessage, 0, len(types))
	for _, nodeType := range types {
		data, err := s.deps.Registry.DescriptorJSON(nodeType)
		if err != nil {
			respondError(c, http.StatusInternalServerError, err)
			return
		}
		descriptors = append(descriptors, data)
	}
	c.JSON(http.StatusOK, gin.H{"nodes": descriptors})
}

func (s *Server) getNode(c *gin.Context) {
	data, err := s.deps.Registry.DescriptorJSON(c.Param("type"))
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) listDeadLetters(c *gin.Context) {
	jobs, err := s.deps.Queue.ListDeadLetters(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}
