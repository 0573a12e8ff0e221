// Package server exposes the HTTP API: chat messages in, plan proposals and
// confirmations out, plus CRUD for projects, chats and tools, run status
// queries and a websocket progress stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pilot/internal/engine"
	"pilot/internal/logging"
	"pilot/internal/metrics"
	"pilot/internal/registry"
	"pilot/internal/store"
)

// APIResponse is the standard response envelope.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Config configures the HTTP server.
type Config struct {
	Host       string
	Port       int
	EnableCORS bool
	Debug      bool
}

// Deps are the components the handlers call into.
type Deps struct {
	Engine      *engine.Engine
	Runs        *store.RunStore
	Chats       *store.ChatStore
	State       *store.ChatStateStore
	Tools       *registry.Service
	Broadcaster *Broadcaster
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
}

// Server is the HTTP front end.
type Server struct {
	deps       Deps
	router     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *logging.Logger
	startTime  time.Time
}

// New builds the server and its routes.
func New(cfg Config, deps Deps) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		corsConfig.AllowWebSockets = true
		router.Use(cors.New(corsConfig))
	}

	s := &Server{
		deps:   deps,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:    logging.OrNop(deps.Logger),
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")

	api.GET("/health", s.handleHealth)
	api.POST("/send", s.handleSend)

	projects := api.Group("/projects")
	{
		projects.POST("", s.handleCreateProject)
		projects.GET("", s.handleListProjects)
		projects.GET("/:id", s.handleGetProject)
		projects.PATCH("/:id", s.handleUpdateProject)
		projects.DELETE("/:id", s.handleDeleteProject)
		projects.POST("/:id/chats", s.handleCreateChat)
		projects.GET("/:id/chats", s.handleListChats)
	}

	chats := api.Group("/chats")
	{
		chats.GET("/:id/messages", s.handleListMessages)
		chats.GET("/:id/state", s.handleChatState)
		chats.GET("/:id/runs", s.handleListRuns)
		chats.PATCH("/:id", s.handleRenameChat)
	}

	runs := api.Group("/runs")
	{
		runs.GET("/:id", s.handleGetRun)
		runs.GET("/:id/stream", s.handleRunStream)
	}

	tools := api.Group("/tools")
	{
		tools.POST("", s.handleRegisterTool)
		tools.GET("", s.handleListTools)
		tools.POST("/:id/refresh", s.handleRefreshTool)
		tools.POST("/:id/activate", s.handleActivateTool)
		tools.DELETE("/:id", s.handleDeleteTool)
	}

	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server stopping")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}})
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data})
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, APIResponse{Success: false, Error: err.Error()})
}
