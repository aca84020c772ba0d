// Package main provides the entry point for the Qwen gateway. It serves an
// OpenAI-compatible API on top of a chat.qwen.ai web session, and can log in
// to Qwen beforehand to seed the session cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/qwen-gateway/qwen-gateway/internal/buildinfo"
	"github.com/qwen-gateway/qwen-gateway/internal/cmd"
	"github.com/qwen-gateway/qwen-gateway/internal/config"
	"github.com/qwen-gateway/qwen-gateway/internal/logging"
	"github.com/qwen-gateway/qwen-gateway/internal/misc"
	"github.com/qwen-gateway/qwen-gateway/internal/util"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("qwen-gateway %s\n", buildinfo.Summary())

	var configPath string
	var login bool
	var manualLogin bool
	var forceReauth bool
	var headless bool
	var noBrowser bool

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&login, "login", false, "Log in to Qwen with the configured account, cache the session and exit")
	flag.BoolVar(&manualLogin, "manual-login", false, "Sign in to Qwen in your own browser and cache the copied token")
	flag.BoolVar(&forceReauth, "force-reauth", false, "Ignore the cached session and log in again on first use")
	flag.BoolVar(&headless, "headless", true, "Run the login browser headless; -headless=false shows the window (overrides config)")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open the browser automatically for -manual-login")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		os.Exit(1)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	bootstrapConfig(configPath, filepath.Join(wd, "config.example.yaml"))

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}
	if forceReauth {
		cfg.Qwen.ForceReauth = true
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "headless" {
			cfg.Qwen.Headless = &headless
		}
	})

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		os.Exit(1)
	}
	util.SetLogLevel(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case login:
		err = cmd.DoLogin(ctx, cfg)
	case manualLogin:
		err = cmd.DoManualLogin(ctx, cfg, &cmd.LoginOptions{NoBrowser: noBrowser})
	default:
		err = cmd.StartService(ctx, cfg, configPath)
	}
	if err != nil {
		log.Error(err)
		stop()
		os.Exit(1)
	}
}

// bootstrapConfig copies the example config to path when no config file exists yet.
func bootstrapConfig(path, examplePath string) {
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		return
	}
	if _, err := os.Stat(examplePath); err != nil {
		return
	}
	if err := misc.CopyConfigTemplate(examplePath, path); err != nil {
		log.Warnf("failed to create %s from template: %v", path, err)
		return
	}
	log.Infof("config initialized from template: %s", path)
}
