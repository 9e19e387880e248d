// Package api implements the Public API Surface from spec §4.12: the
// gin-routed REST/SSE front door that creates tasks, launches the graph
// engine and template engine, streams progress, and resolves HITL
// approvals.
//
// Grounded on the only pack repo exposing a REST surface for an agent
// system, codeready-toolchain-tarsy's pkg/api/handlers.go: a thin Server
// struct holding its collaborators, gin.Context handlers that bind a
// request struct and reply with gin.H, and a background goroutine driving
// long-running work while the handler returns immediately. That example
// streams over a websocket hub; this one streams over SSE per spec §6's
// wire format, since the spec calls for `data: {json}\n\n` framing rather
// than a socket protocol.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/devflow/orchestrator/internal/eventbus"
	"github.com/devflow/orchestrator/internal/intent"
	"github.com/devflow/orchestrator/internal/orchestrator"
	"github.com/devflow/orchestrator/internal/session"
	"github.com/devflow/orchestrator/internal/store"
)

// KeepaliveInterval bounds every SSE stream's idle comment frame, per spec
// §4.12's "interval <= 15s" requirement.
const KeepaliveInterval = 15 * time.Second

// GraphEngine is the subset of internal/engine.Engine the API needs.
type GraphEngine interface {
	Execute(ctx context.Context, state orchestrator.WorkflowState) (orchestrator.WorkflowState, error)
	Resume(ctx context.Context, state orchestrator.WorkflowState) (orchestrator.WorkflowState, error)
}

// TemplateEngine is the subset of internal/template.Engine the API needs.
type TemplateEngine interface {
	Run(ctx context.Context, tmpl orchestrator.WorkflowTemplate, state orchestrator.WorkflowState) (orchestrator.WorkflowState, error)
}

// TemplateRegistry resolves a named template, e.g. "pr-deployment".
type TemplateRegistry interface {
	Get(name string) (orchestrator.WorkflowTemplate, bool)
}

// Approvals is the subset of internal/hitl.Controller the API needs to
// resolve a pending approval.
type Approvals interface {
	Resolve(ctx context.Context, approvalID string, decision orchestrator.ApprovalState, actor, reason string) (orchestrator.ApprovalHandle, error)
}

// HealthCheck reports whether a named collaborator (checkpoint store,
// event bus, an external tool gateway, ...) is ready to serve traffic.
type HealthCheck func(ctx context.Context) error

// Server holds every collaborator the API surface dispatches to. All
// fields are safe for concurrent use; Server itself carries no additional
// locking beyond what an individual handler needs for its own bookkeeping.
type Server struct {
	store      store.Store
	bus        eventbus.Bus
	classifier *intent.Classifier
	graph      GraphEngine
	templates  TemplateEngine
	registry   TemplateRegistry
	approvals  Approvals
	sessions   *session.Store
	health     map[string]HealthCheck

	mu    sync.Mutex
	tasks map[string]*taskRecord
}

type taskRecord struct {
	TaskID      string                 `json:"task_id"`
	WorkflowID  string                 `json:"workflow_id"`
	ThreadID    string                 `json:"thread_id"`
	Status      orchestrator.RunStatus `json:"status"`
	RiskLevel   string                 `json:"risk_level,omitempty"`
	ApprovalID  string                 `json:"approval_request_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	initialMsg  string
}

// New constructs a Server. graph/templates/registry/approvals may be nil
// if the deployment never exercises that surface (e.g. a template-only
// deployment with no free-form graph).
func New(st store.Store, bus eventbus.Bus, classifier *intent.Classifier, graph GraphEngine, templates TemplateEngine, registry TemplateRegistry, approvals Approvals, sessions *session.Store, health map[string]HealthCheck) *Server {
	return &Server{
		store:      st,
		bus:        bus,
		classifier: classifier,
		graph:      graph,
		templates:  templates,
		registry:   registry,
		approvals:  approvals,
		sessions:   sessions,
		health:     health,
		tasks:      map[string]*taskRecord{},
	}
}

// Router builds the gin.Engine serving every endpoint spec §4.12 names.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/orchestrate", s.Orchestrate)
	r.POST("/execute/:task_id", s.Execute)
	r.GET("/tasks/:task_id", s.GetTask)
	r.POST("/chat/stream", s.ChatStream)
	r.POST("/workflow/execute", s.WorkflowExecute)
	r.GET("/workflow/status/:id", s.WorkflowStatus)
	r.POST("/workflow/resume/:id", s.WorkflowResume)
	r.POST("/approvals/:id/approve", s.approveOrReject(orchestrator.ApprovalApproved))
	r.POST("/approvals/:id/reject", s.approveOrReject(orchestrator.ApprovalRejected))
	r.GET("/health", s.Health)

	return r
}

// OrchestrateRequest is the POST /orchestrate body.
type OrchestrateRequest struct {
	Message        string                 `json:"message" binding:"required"`
	ProjectContext map[string]interface{} `json:"project_context"`
	SessionID      string                 `json:"session_id"`
}

// Orchestrate handles POST /orchestrate: creates a task record and
// classifies its intent, without starting execution.
func (s *Server) Orchestrate(c *gin.Context) {
	var req OrchestrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := s.classifier.Classify(c.Request.Context(), req.Message, req.ProjectContext)

	taskID := uuid.New().String()
	workflowID := uuid.New().String()
	rec := &taskRecord{
		TaskID:     taskID,
		WorkflowID: workflowID,
		ThreadID:   workflowID,
		Status:     orchestrator.StatusRunning,
		CreatedAt:  time.Now(),
		initialMsg: req.Message,
	}

	state := orchestrator.WorkflowState{
		WorkflowID:     workflowID,
		ThreadID:       workflowID,
		Messages:       []orchestrator.Message{{Role: orchestrator.RoleUser, Content: req.Message}},
		ProjectContext: req.ProjectContext,
		Status:         orchestrator.StatusRunning,
		Metadata:       map[string]interface{}{},
	}
	if _, err := s.store.Save(c.Request.Context(), workflowID, state, 0); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.tasks[taskID] = rec
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"task_id":  taskID,
		"subtasks": []string{},
		"intent":   string(result.Intent),
	})
}

// Execute handles POST /execute/{task_id}: launches the workflow graph for
// a task created by Orchestrate.
func (s *Server) Execute(c *gin.Context) {
	taskID := c.Param("task_id")
	s.mu.Lock()
	rec, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if s.graph == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "graph engine not configured"})
		return
	}

	state, _, err := s.store.LoadLatest(c.Request.Context(), rec.ThreadID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	go func() {
		ctx := context.Background()
		final, err := s.graph.Execute(ctx, state)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			rec.Status = orchestrator.StatusFailed
			log.Printf("task %s failed: %v", taskID, err)
			return
		}
		rec.Status = final.Status
		if final.PendingOperation != nil {
			rec.RiskLevel = final.PendingOperation.RiskLevel
			rec.ApprovalID = final.PendingOperation.ApprovalHandle
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "status": "running"})
}

// GetTask handles GET /tasks/{task_id}.
func (s *Server) GetTask(c *gin.Context) {
	taskID := c.Param("task_id")
	s.mu.Lock()
	rec, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ChatStreamRequest is the POST /chat/stream body.
type ChatStreamRequest struct {
	Message        string                 `json:"message" binding:"required"`
	ProjectContext map[string]interface{} `json:"project_context"`
	SessionID      string                 `json:"session_id"`
}

// ChatStream handles POST /chat/stream: classifies intent, then runs the
// graph engine, streaming every event the engine emits as an SSE frame.
func (s *Server) ChatStream(c *gin.Context) {
	var req ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.graph == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "graph engine not configured"})
		return
	}

	workflowID := uuid.New().String()
	sessionID := req.SessionID
	if s.sessions != nil {
		sessionID = s.sessions.Append(sessionID, orchestrator.Message{Role: orchestrator.RoleUser, Content: req.Message})
	}

	history := s.historyFor(sessionID)
	state := orchestrator.WorkflowState{
		WorkflowID:     workflowID,
		ThreadID:       workflowID,
		Messages:       append(history, orchestrator.Message{Role: orchestrator.RoleUser, Content: req.Message}),
		ProjectContext: req.ProjectContext,
		Status:         orchestrator.StatusRunning,
		Metadata:       map[string]interface{}{},
	}
	if _, err := s.store.Save(c.Request.Context(), workflowID, state, 0); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.streamWorkflow(c, workflowID, func(ctx context.Context) (orchestrator.WorkflowState, error) {
		return s.graph.Execute(ctx, state)
	})
}

// WorkflowExecuteRequest is the POST /workflow/execute body.
type WorkflowExecuteRequest struct {
	Template string                 `json:"template" binding:"required"`
	Context  map[string]interface{} `json:"context"`
}

// WorkflowExecute handles POST /workflow/execute: runs a named
// WorkflowTemplate to completion or its first interrupt.
func (s *Server) WorkflowExecute(c *gin.Context) {
	var req WorkflowExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.templates == nil || s.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "template engine not configured"})
		return
	}
	tmpl, ok := s.registry.Get(req.Template)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown template %q", req.Template)})
		return
	}

	workflowID := uuid.New().String()
	state := orchestrator.WorkflowState{
		WorkflowID:     workflowID,
		ThreadID:       workflowID,
		ProjectContext: req.Context,
		Status:         orchestrator.StatusRunning,
		Metadata:       map[string]interface{}{},
	}
	if _, err := s.store.Save(c.Request.Context(), workflowID, state, 0); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	go func() {
		if _, err := s.templates.Run(context.Background(), tmpl, state); err != nil {
			log.Printf("workflow %s failed: %v", workflowID, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"workflow_id": workflowID})
}

// WorkflowStatus handles GET /workflow/status/{id}.
func (s *Server) WorkflowStatus(c *gin.Context) {
	workflowID := c.Param("id")
	state, version, err := s.store.LoadLatest(c.Request.Context(), workflowID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		return
	}

	resp := gin.H{
		"workflow_id":     workflowID,
		"version":         version,
		"status":          state.Status,
		"current_step":    state.CurrentAgent,
		"outputs":         state.Metadata["template_outputs"],
		"pending_approval": state.PendingOperation,
	}
	c.JSON(http.StatusOK, resp)
}

// WorkflowResume handles POST /workflow/resume/{id}: resumes a parked
// graph-engine workflow once its approval has been resolved elsewhere.
func (s *Server) WorkflowResume(c *gin.Context) {
	workflowID := c.Param("id")
	if s.graph == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "graph engine not configured"})
		return
	}

	state, _, err := s.store.LoadLatest(c.Request.Context(), workflowID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		return
	}
	if state.Status != orchestrator.StatusRunning && state.RequiresApproval {
		c.JSON(http.StatusConflict, gin.H{"error": "workflow still awaiting approval"})
		return
	}

	s.streamWorkflow(c, workflowID, func(ctx context.Context) (orchestrator.WorkflowState, error) {
		return s.graph.Resume(ctx, state)
	})
}

// approveOrReject returns a handler bound to a fixed ApprovalState,
// shared by /approvals/{id}/approve and /approvals/{id}/reject.
func (s *Server) approveOrReject(decision orchestrator.ApprovalState) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.approvals == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "approvals controller not configured"})
			return
		}
		var req struct {
			Actor  string `json:"actor"`
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&req)

		handle, err := s.approvals.Resolve(c.Request.Context(), c.Param("id"), decision, req.Actor, req.Reason)
		if err != nil {
			status := http.StatusInternalServerError
			if err == orchestrator.ErrNotFound {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, handle)
	}
}

// Health handles GET /health: every registered HealthCheck must succeed
// for the endpoint to report ready.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	results := gin.H{}
	ready := true
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			ready = false
		} else {
			results[name] = "ok"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": map[bool]string{true: "ok", false: "degraded"}[ready], "checks": results})
}

func (s *Server) historyFor(sessionID string) []orchestrator.Message {
	if s.sessions == nil || sessionID == "" {
		return nil
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil
	}
	return sess.Messages
}

// streamWorkflow drives run in the background and relays every event
// internal/engine or internal/template publish for workflowID as an SSE
// frame, per spec §6's `data: {json}\n\n` wire format, with a keepalive
// comment every KeepaliveInterval and a terminal `data: [DONE]\n\n`.
func (s *Server) streamWorkflow(c *gin.Context, workflowID string, run func(ctx context.Context) (orchestrator.WorkflowState, error)) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	events := make(chan orchestrator.Event, 64)
	sub := s.bus.Subscribe(workflowID, func(ev orchestrator.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := run(ctx)
		done <- err
	}()

	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			cancel()
			return
		case ev := <-events:
			writeSSE(c, ev)
			if ev.Kind == orchestrator.EventDone || ev.Kind == orchestrator.EventApprovalPending {
				fmt.Fprint(c.Writer, "data: [DONE]\n\n")
				c.Writer.Flush()
				return
			}
		case err := <-done:
			if err != nil {
				writeSSE(c, orchestrator.Event{WorkflowID: workflowID, Kind: orchestrator.EventError, Payload: map[string]interface{}{"error": err.Error()}, Timestamp: orchestrator.Now()})
			}
			fmt.Fprint(c.Writer, "data: [DONE]\n\n")
			c.Writer.Flush()
			return
		case <-ticker.C:
			fmt.Fprint(c.Writer, ":\n\n")
			c.Writer.Flush()
		}
	}
}

func writeSSE(c *gin.Context, ev orchestrator.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	c.Writer.Flush()
}
