// Package api exposes server option helpers for embedding the gateway.
//
// It wraps internal server option types so external projects can configure the embedded
// HTTP server without importing internal packages.
package api

import (
	"github.com/gin-gonic/gin"
	internalapi "github.com/qwen-gateway/qwen-gateway/internal/api"
	"github.com/qwen-gateway/qwen-gateway/sdk/api/handlers"
	"github.com/qwen-gateway/qwen-gateway/sdk/config"
)

// ServerOption customises HTTP server construction.
type ServerOption = internalapi.ServerOption

// Server is the gateway HTTP server.
type Server = internalapi.Server

// NewServer builds the gateway server around base.
func NewServer(cfg *config.Config, base *handlers.BaseAPIHandler, opts ...ServerOption) *Server {
	return internalapi.NewServer(cfg, base, opts...)
}

// WithMiddleware appends additional Gin middleware during server construction.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption { return internalapi.WithMiddleware(mw...) }

// WithEngineConfigurator allows callers to mutate the Gin engine prior to middleware setup.
func WithEngineConfigurator(fn func(*gin.Engine)) ServerOption {
	return internalapi.WithEngineConfigurator(fn)
}

// WithRouterConfigurator appends a callback after default routes are registered.
func WithRouterConfigurator(fn func(*gin.Engine, *handlers.BaseAPIHandler, *config.Config)) ServerOption {
	return internalapi.WithRouterConfigurator(fn)
}

// WithReloadHook registers a callback run after each applied configuration reload.
func WithReloadHook(fn func(*config.Config)) ServerOption {
	return internalapi.WithReloadHook(fn)
}
