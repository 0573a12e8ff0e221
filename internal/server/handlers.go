package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pilot/internal/engine"
	"pilot/internal/plan"
	"pilot/internal/registry"
	"pilot/internal/store"
)

type sendRequest struct {
	ChatID string `json:"chat_id" binding:"required"`
	Text   string `json:"text" binding:"required"`
}

// handleSend routes one user message through the engine. A lost
// confirmation race maps to 409; guard rejections stay 200 because the chat
// answers them conversationally.
func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	reply, err := s.deps.Engine.HandleMessage(c.Request.Context(), req.ChatID, req.Text)
	if err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			fail(c, http.StatusNotFound, err)
			return
		}
		s.logger.Error("send failed", "chat_id", req.ChatID, "error", err)
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if reply.Kind == engine.ReplyConflict {
		c.JSON(http.StatusConflict, APIResponse{Success: false, Data: reply, Error: reply.Text})
		return
	}
	ok(c, reply)
}

type projectRequest struct {
	Name    string `json:"name"`
	Context string `json:"context"`
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	p, err := s.deps.Chats.CreateProject(c.Request.Context(), req.Name, req.Context)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, p)
}

func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.deps.Chats.ListProjects(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, projects)
}

func (s *Server) handleGetProject(c *gin.Context) {
	p, err := s.deps.Chats.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.projectError(c, err)
		return
	}
	ok(c, p)
}

type projectUpdateRequest struct {
	Name    *string  `json:"name"`
	Context *string  `json:"context"`
	ToolIDs []string `json:"tool_ids"`
}

func (s *Server) handleUpdateProject(c *gin.Context) {
	var req projectUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	err := s.deps.Chats.UpdateProject(c.Request.Context(), c.Param("id"), store.ProjectUpdate{
		Name:    req.Name,
		Context: req.Context,
		ToolIDs: req.ToolIDs,
	})
	if err != nil {
		s.projectError(c, err)
		return
	}
	p, err := s.deps.Chats.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.projectError(c, err)
		return
	}
	ok(c, p)
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	if err := s.deps.Chats.DeleteProject(c.Request.Context(), c.Param("id")); err != nil {
		s.projectError(c, err)
		return
	}
	ok(c, gin.H{"deleted": true})
}

type chatRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	chat, err := s.deps.Chats.CreateChat(c.Request.Context(), c.Param("id"), req.Title)
	if err != nil {
		s.projectError(c, err)
		return
	}
	ok(c, chat)
}

func (s *Server) handleListChats(c *gin.Context) {
	chats, err := s.deps.Chats.ListChats(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, chats)
}

func (s *Server) handleRenameChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Chats.RenameChat(c.Request.Context(), c.Param("id"), req.Title); err != nil {
		s.chatError(c, err)
		return
	}
	ok(c, gin.H{"renamed": true})
}

func (s *Server) handleListMessages(c *gin.Context) {
	msgs, err := s.deps.Chats.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, msgs)
}

func (s *Server) handleChatState(c *gin.Context) {
	state, err := s.deps.State.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, state)
}

// runView is the externally visible shape of a run.
type runView struct {
	RunID           string      `json:"run_id"`
	ChatID          string      `json:"chat_id"`
	Goal            string      `json:"goal"`
	Status          plan.Status `json:"status"`
	CurrentStepPath string      `json:"current_step_path,omitempty"`
	LastEvent       string      `json:"last_event,omitempty"`
	Error           string      `json:"error,omitempty"`
	Steps           []plan.Step `json:"steps"`
}

func viewOf(run *plan.Run) runView {
	return runView{
		RunID:           run.RunID,
		ChatID:          run.ChatID,
		Goal:            run.Goal,
		Status:          run.Status,
		CurrentStepPath: run.CurrentStepPath,
		LastEvent:       run.LastEvent,
		Error:           run.Error,
		Steps:           run.Steps,
	}
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.deps.Runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			fail(c, http.StatusNotFound, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, viewOf(run))
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.deps.Runs.ListByChat(c.Request.Context(), c.Param("id"), 50)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, r := range runs {
		views = append(views, viewOf(r))
	}
	ok(c, views)
}

type registerToolRequest struct {
	Address string `json:"address" binding:"required"`
	Name    string `json:"name"`
}

func (s *Server) handleRegisterTool(c *gin.Context) {
	var req registerToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	tool, err := s.deps.Tools.Register(c.Request.Context(), req.Address, req.Name)
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			fail(c, http.StatusConflict, err)
			return
		}
		fail(c, http.StatusBadRequest, err)
		return
	}
	ok(c, tool)
}

func (s *Server) handleListTools(c *gin.Context) {
	tools, err := s.deps.Tools.List(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, tools)
}

func (s *Server) handleRefreshTool(c *gin.Context) {
	tool, err := s.deps.Tools.Refresh(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrToolNotFound) {
			fail(c, http.StatusNotFound, err)
			return
		}
		fail(c, http.StatusBadGateway, err)
		return
	}
	ok(c, tool)
}

type activateRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (s *Server) handleActivateTool(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Tools.SetActive(c.Request.Context(), c.Param("id"), *req.Active); err != nil {
		if errors.Is(err, registry.ErrToolNotFound) {
			fail(c, http.StatusNotFound, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, gin.H{"active": *req.Active})
}

func (s *Server) handleDeleteTool(c *gin.Context) {
	if err := s.deps.Tools.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, registry.ErrToolNotFound) {
			fail(c, http.StatusNotFound, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, gin.H{"deleted": true})
}

func (s *Server) projectError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrProjectNotFound) {
		fail(c, http.StatusNotFound, err)
		return
	}
	fail(c, http.StatusInternalServerError, err)
}

func (s *Server) chatError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrChatNotFound) {
		fail(c, http.StatusNotFound, err)
		return
	}
	fail(c, http.StatusInternalServerError, err)
}
