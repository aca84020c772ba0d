// Package api provides the HTTP server of the gateway: routing, client
// authentication, CORS and hot reload of the configuration.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qwen-gateway/qwen-gateway/internal/access"
	"github.com/qwen-gateway/qwen-gateway/internal/buildinfo"
	"github.com/qwen-gateway/qwen-gateway/internal/config"
	"github.com/qwen-gateway/qwen-gateway/internal/logging"
	"github.com/qwen-gateway/qwen-gateway/internal/router"
	"github.com/qwen-gateway/qwen-gateway/internal/util"
	"github.com/qwen-gateway/qwen-gateway/sdk/api/handlers"
	"github.com/qwen-gateway/qwen-gateway/sdk/api/handlers/openai"
	"github.com/qwen-gateway/qwen-gateway/sdk/api/handlers/qwen"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type serverOptionConfig struct {
	extraMiddleware    []gin.HandlerFunc
	engineConfigurator func(*gin.Engine)
	routerConfigurator func(*gin.Engine, *handlers.BaseAPIHandler, *config.Config)
	reloadHooks        []func(*config.Config)
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends additional Gin middleware during server construction.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithEngineConfigurator allows callers to mutate the Gin engine prior to middleware setup.
func WithEngineConfigurator(fn func(*gin.Engine)) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.engineConfigurator = fn
	}
}

// WithRouterConfigurator appends a callback after default routes are registered.
func WithRouterConfigurator(fn func(*gin.Engine, *handlers.BaseAPIHandler, *config.Config)) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.routerConfigurator = fn
	}
}

// WithReloadHook registers a callback run after each applied configuration reload.
func WithReloadHook(fn func(*config.Config)) ServerOption {
	return func(cfg *serverOptionConfig) {
		if fn != nil {
			cfg.reloadHooks = append(cfg.reloadHooks, fn)
		}
	}
}

// Server is the gateway's HTTP server.
type Server struct {
	engine   *gin.Engine
	server   *http.Server
	handlers *handlers.BaseAPIHandler

	cfg atomic.Pointer[config.Config]
	// oldConfigYaml is the snapshot the next reload is compared against.
	oldConfigYaml []byte

	accessManager *access.Manager
	reloadHooks   []func(*config.Config)
}

// NewServer creates the server and registers its routes. base carries the
// upstream collaborators and the model router.
func NewServer(cfg *config.Config, base *handlers.BaseAPIHandler, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{}
	for i := range opts {
		opts[i](optionState)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if optionState.engineConfigurator != nil {
		optionState.engineConfigurator(engine)
	}
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}
	engine.Use(corsMiddleware())

	s := &Server{
		engine:        engine,
		handlers:      base,
		accessManager: access.NewManager(),
		reloadHooks:   optionState.reloadHooks,
	}
	s.cfg.Store(cfg)
	s.oldConfigYaml, _ = yaml.Marshal(cfg)
	access.Apply(s.accessManager, &cfg.SDKConfig)

	s.setupRoutes()
	if optionState.routerConfigurator != nil {
		optionState.routerConfigurator(engine, s.handlers, cfg)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	openaiHandlers := openai.NewOpenAIAPIHandler(s.handlers)
	sessionHandlers := qwen.NewSessionAPIHandler(s.handlers)
	authMiddleware := AuthMiddleware(s.accessManager)

	v1 := s.engine.Group("/v1")
	v1.Use(authMiddleware)
	{
		v1.GET("/models", openaiHandlers.OpenAIModels)
		v1.POST("/chat/completions", openaiHandlers.ChatCompletions)
		v1.POST("/completions", openaiHandlers.Completions)
		v1.POST("/validate", sessionHandlers.Validate)
		v1.POST("/refresh", sessionHandlers.Refresh)
		v1.DELETE("/chats/delete", sessionHandlers.DeleteChats)
		v1.POST("/chats/delete", sessionHandlers.DeleteChats)
	}

	s.engine.GET("/health", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": buildinfo.Version, "commit": buildinfo.Commit})
	})
	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Qwen OpenAI-compatible gateway",
			"version": buildinfo.Version,
			"endpoints": []string{
				"POST /v1/chat/completions",
				"POST /v1/completions",
				"GET /v1/models",
				"POST /v1/validate",
				"POST /v1/refresh",
				"DELETE /v1/chats/delete",
			},
		})
	})
	s.engine.NoRoute(func(c *gin.Context) {
		c.Data(http.StatusNotFound, "application/json", handlers.BuildErrorResponseBody(http.StatusNotFound, "Unknown endpoint "+c.Request.URL.Path))
	})
}

// Config returns the configuration currently applied.
func (s *Server) Config() *config.Config { return s.cfg.Load() }

// Handler exposes the engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start begins listening for and serving HTTP requests.
// It's a blocking call and will only return on an unrecoverable error.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start HTTP server: server not initialized")
	}
	log.Infof("API server listening on %s", s.server.Addr)
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %v", errServe)
	}
	return nil
}

// Stop gracefully shuts down the API server without interrupting any
// active connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %v", err)
	}
	log.Debug("API server stopped")
	return nil
}

// UpdateClients applies a reloaded configuration: API keys, log settings,
// model aliases and the upstream-facing SDK options. Listen address changes
// need a restart.
func (s *Server) UpdateClients(cfg *config.Config) {
	var oldCfg *config.Config
	if len(s.oldConfigYaml) > 0 {
		_ = yaml.Unmarshal(s.oldConfigYaml, &oldCfg)
	}

	if oldCfg == nil || oldCfg.Debug != cfg.Debug {
		util.SetLogLevel(cfg)
	}
	if oldCfg == nil || oldCfg.LoggingToFile != cfg.LoggingToFile || oldCfg.LogsDir != cfg.LogsDir {
		if err := logging.ConfigureLogOutput(cfg); err != nil {
			log.Errorf("failed to reconfigure log output: %v", err)
		} else if oldCfg != nil {
			log.Debugf("logging-to-file updated from %t to %t", oldCfg.LoggingToFile, cfg.LoggingToFile)
		}
	}
	if oldCfg != nil && (oldCfg.Host != cfg.Host || oldCfg.Port != cfg.Port) {
		log.Warnf("listen address changed to %s:%d; restart to apply", cfg.Host, cfg.Port)
	}

	access.Apply(s.accessManager, &cfg.SDKConfig)
	if r, err := router.FromConfig(cfg); err != nil {
		log.Errorf("model aliases not reloaded, keeping previous router: %v", err)
	} else {
		s.handlers.SetRouter(r)
	}
	s.handlers.UpdateClients(&cfg.SDKConfig)

	s.cfg.Store(cfg)
	s.oldConfigYaml, _ = yaml.Marshal(cfg)
	for _, hook := range s.reloadHooks {
		hook(cfg)
	}
	log.Infof("configuration reloaded: %d model aliases, %d api keys", len(cfg.ModelAliases), len(cfg.APIKeys))
}

// AuthMiddleware rejects requests the access manager does not accept with an
// OpenAI-style 401 body. When no keys are configured every request passes.
func AuthMiddleware(manager *access.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, authErr := manager.Authenticate(c.Request.Context(), c.Request)
		if authErr == nil {
			if result != nil {
				c.Set("apiKey", result.Principal)
				c.Set("accessProvider", result.Provider)
			}
			c.Next()
			return
		}
		status := authErr.HTTPStatusCode()
		if status >= http.StatusInternalServerError {
			log.Errorf("authentication middleware error: %v", authErr)
		}
		c.Abort()
		c.Data(status, "application/json", handlers.BuildErrorResponseBody(status, authErr.Error()))
	}
}

// corsMiddleware allows any origin and answers preflight requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := strings.TrimSpace(c.GetHeader("Origin")); origin != "" {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "*")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
