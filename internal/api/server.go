// Package api serves the HTTP surface: chat and conversation CRUD, the
// endpoint process controls and the WebSocket upgrade.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/assign"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/ollama"
	"github.com/zulandar/switchyard/internal/registry"
	"github.com/zulandar/switchyard/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Store is the persistence the handlers need.
type Store interface {
	CreateChat(ctx context.Context, title string) (*models.Chat, error)
	GetChat(ctx context.Context, id uint) (*store.ChatView, error)
	ListChats(ctx context.Context) ([]store.ChatView, error)
	UpdateChatTitle(ctx context.Context, id uint, title string) error
	DeleteChat(ctx context.Context, id uint) error

	CreateConversation(ctx context.Context, nc store.NewConversation) (*models.Conversation, error)
	GetConversation(ctx context.Context, id uint) (*store.ConversationView, error)
	ListConversations(ctx context.Context, chatID uint) ([]store.ConversationView, error)
	CheckedConversation(ctx context.Context, id, chatID uint, address string) (*store.ConversationView, error)

	ListMessages(ctx context.Context, conversationID uint) ([]models.Message, error)
	GetMessage(ctx context.Context, conversationID uint, messageID string) (*models.Message, error)

	GetEndpoint(ctx context.Context, address string) (*models.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]models.Endpoint, error)
}

// Registry controls the model-server processes.
type Registry interface {
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context, address string) (bool, error)
	Addresses() []string
	List() []registry.Endpoint
	Get(address string) (registry.Endpoint, bool)
	Models(ctx context.Context, address string) ([]ollama.ModelInfo, error)
}

// Assigner binds unassigned conversations to live endpoints.
type Assigner interface {
	Assign(ctx context.Context, chatID uint, live []string) ([]assign.Assignment, error)
}

// Server wires the handlers to their dependencies.
type Server struct {
	store          Store
	registry       Registry
	assigner       Assigner
	realtime       gin.HandlerFunc
	corsCfg        cors.Config
	logger         *slog.Logger
}

// Opts holds parameters for creating a Server.
type Opts struct {
	Store    Store
	Registry Registry
	Assigner Assigner
	// Realtime serves GET /ws when set.
	Realtime       gin.HandlerFunc
	AllowedOrigins []string
	Logger         *slog.Logger
}

// New creates a Server.
func New(opts Opts) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("api: store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("api: registry is required")
	}
	if opts.Assigner == nil {
		return nil, fmt.Errorf("api: assigner is required")
	}
	corsCfg := corsConfig(opts.AllowedOrigins)
	if err := corsCfg.Validate(); err != nil {
		return nil, fmt.Errorf("api: cors: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:          opts.Store,
		registry:       opts.Registry,
		assigner:       opts.Assigner,
		realtime:       opts.Realtime,
		corsCfg:        corsCfg,
		logger:         logger,
	}, nil
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger), cors.New(s.corsCfg))
	s.registerRoutes(router)
	return router
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.POST("/chats", s.handleCreateChat)
	router.GET("/chats", s.handleListChats)
	router.GET("/chats/:id", s.handleGetChat)
	router.PUT("/chats/:id", s.handleRenameChat)
	router.DELETE("/chats/:id", s.handleDeleteChat)
	router.PUT("/chats/:id/assign-endpoints-to-conversations", s.handleAssign)

	router.POST("/conversations", s.handleCreateConversation)
	router.GET("/conversations", s.handleListConversations)
	router.GET("/conversations/:id", s.handleGetConversation)
	router.GET("/conversations/:id/messages", s.handleListMessages)
	router.GET("/conversations/:id/messages/:msgId", s.handleGetMessage)

	router.GET("/endpoints", s.handleEndpoints)
	router.GET("/models", s.handleModels)
	router.POST("/new-ollama-client", s.handleStartEndpoint)
	router.DELETE("/kill-ollama-client", s.handleStopEndpoint)

	if s.realtime != nil {
		router.GET("/ws", s.realtime)
	}
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string, out io.Writer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("api: shutdown", "error", err)
		}
	}()

	if out != nil {
		fmt.Fprintf(out, "Switchyard listening on %s\n", addr)
	}
	s.logger.Info("api: listening", "addr", addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
