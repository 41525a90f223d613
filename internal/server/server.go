package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"concierge-intercom/config"
	"concierge-intercom/internal/handler"
	"concierge-intercom/internal/middleware"
	"concierge-intercom/internal/transport/httpdto"
	"concierge-intercom/internal/websocket"
	"concierge-intercom/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	cors       *cors.Cors
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	Calls   *handler.CallHandler
	Users   *handler.UserHandler
	Push    *handler.PushHandler
	Sockets *websocket.Handler
}

// Routes carries what the routes need besides the handlers. Limiter and
// Metrics may be nil.
type Routes struct {
	Auth          *middleware.TokenAuth
	Limiter       middleware.RateLimiter
	CurrentUserID func() string
	Status        func() httpdto.StatusResponse
	Metrics       http.Handler
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", handler.AppStateHeader, middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           corsHandler.Handler(engine),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		engine: engine,
		cors:   corsHandler,
		config: cfg,
		logger: logger.OrNop(l),
	}
}

// OriginAllowed applies the CORS origin policy to websocket upgrades.
func (s *Server) OriginAllowed(r *http.Request) bool {
	if r.Header.Get("Origin") == "" {
		return true
	}
	return s.cors.OriginAllowed(r)
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) SetupRoutes(handlers *Handlers, routes Routes) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		status := routes.Status()
		if !status.Ready {
			c.JSON(http.StatusServiceUnavailable, httpdto.NewFailureResponse(status, "coordinator not ready", httpdto.CodeNotReady))
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(status))
	})

	if routes.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(routes.Metrics))
	}

	// websocket clients authenticate with ?token= inside the handler
	s.engine.GET("/v1/events", handlers.Sockets.Events)
	s.engine.GET("/v1/shell", handlers.Sockets.Shell)

	callLimit := noLimit
	pushLimit := noLimit
	if routes.Limiter != nil {
		callLimit = middleware.CallRateLimitMiddleware(routes.Limiter, routes.CurrentUserID, s.logger)
		pushLimit = middleware.PushRateLimitMiddleware(routes.Limiter, s.logger)
	}

	v1 := s.engine.Group("/v1", middleware.AuthMiddleware(routes.Auth))
	{
		v1.GET("/user", handlers.Users.Get)
		v1.PUT("/user", handlers.Users.Set)
		v1.DELETE("/user", handlers.Users.Clear)

		v1.POST("/push", pushLimit, handlers.Push.Push)
		v1.POST("/lifecycle/foreground", handlers.Push.Foreground)
	}

	calls := v1.Group("/calls")
	{
		calls.POST("", callLimit, handlers.Calls.Start)
		calls.GET("/active", handlers.Calls.Active)
		calls.POST("/answer", handlers.Calls.Answer)
		calls.POST("/decline", handlers.Calls.Decline)
		calls.POST("/end", handlers.Calls.End)
		calls.POST("/mute", handlers.Calls.Mute)
		calls.POST("/speaker", handlers.Calls.Speaker)
	}
}

func noLimit(c *gin.Context) { c.Next() }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.logger.Errorf("Error in starting the server: %s", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Infof("Shutting down after at most %s", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Infof("Error in the graceful shutdown of the server: %s", err)
		return err
	}

	s.logger.Infof("Server stopped gracefully")
	return nil
}
