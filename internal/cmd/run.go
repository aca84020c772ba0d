package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qwen-gateway/qwen-gateway/internal/api"
	"github.com/qwen-gateway/qwen-gateway/internal/config"
	"github.com/qwen-gateway/qwen-gateway/internal/router"
	"github.com/qwen-gateway/qwen-gateway/internal/runtime/executor"
	"github.com/qwen-gateway/qwen-gateway/internal/watcher"
	"github.com/qwen-gateway/qwen-gateway/sdk/api/handlers"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 30 * time.Second

// StartService runs the gateway until ctx is cancelled. The config file at
// configPath is watched and re-applied on change.
func StartService(ctx context.Context, cfg *config.Config, configPath string) error {
	session, err := NewSession(cfg)
	if err != nil {
		return err
	}
	r, err := router.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("model aliases: %w", err)
	}

	exec := executor.NewQwenExecutorWithClient(cfg, session.Manager, session.Client)
	base := handlers.NewBaseAPIHandlers(&cfg.SDKConfig, exec, session.Manager, session.Validator, r)
	server := api.NewServer(cfg, base, api.WithReloadHook(session.Reload))
	log.Infof("upstream %s at %s", exec.Identifier(), exec.BaseURL())

	logSessionState(cfg, session)

	if configPath != "" {
		w, errWatch := watcher.NewWatcher(configPath, server.UpdateClients)
		if errWatch != nil {
			log.Warnf("config hot reload disabled: %v", errWatch)
		} else {
			w.SetConfig(cfg)
			if errWatch = w.Start(ctx); errWatch != nil {
				log.Warnf("config hot reload disabled: %v", errWatch)
			} else {
				defer func() {
					if errStop := w.Stop(); errStop != nil {
						log.Debugf("watcher stop: %v", errStop)
					}
				}()
			}
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err = <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err = server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-errCh
}

func logSessionState(cfg *config.Config, session *Session) {
	switch {
	case cfg.Qwen.BearerToken != "":
		log.Info("using the configured qwen bearer token")
	case cfg.Qwen.HasAccount():
		log.Infof("qwen sessions cached in %s; browser login on demand", session.Cache.Path())
	default:
		if s, err := session.Cache.Load(); err != nil || s == nil {
			log.Warn("no qwen account, bearer token or cached session; run with -login or -manual-login")
		} else {
			log.Infof("using cached qwen session from %s", session.Cache.Path())
		}
	}
	if len(cfg.APIKeys) == 0 {
		log.Warn("no api-keys configured; /v1 endpoints are open to anyone who can reach this port")
	}
}
