package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/qwen-gateway/qwen-gateway/internal/browser"
	"github.com/qwen-gateway/qwen-gateway/internal/config"
	"github.com/qwen-gateway/qwen-gateway/internal/misc"
	"github.com/qwen-gateway/qwen-gateway/internal/util"
	log "github.com/sirupsen/logrus"
)

// LoginOptions tunes the interactive login commands.
type LoginOptions struct {
	// NoBrowser skips opening the sign-in page for a manual login.
	NoBrowser bool

	// Prompt allows the caller to provide interactive input when needed.
	Prompt func(prompt string) (string, error)

	// ReadClipboard overrides the system clipboard reader.
	ReadClipboard func() (string, error)

	// OpenURL overrides the desktop browser launcher.
	OpenURL func(url string) error
}

func (o *LoginOptions) withDefaults() *LoginOptions {
	out := LoginOptions{}
	if o != nil {
		out = *o
	}
	if out.Prompt == nil {
		reader := bufio.NewReader(os.Stdin)
		out.Prompt = func(prompt string) (string, error) {
			fmt.Print(prompt)
			value, err := reader.ReadString('\n')
			if err != nil && value == "" {
				return "", err
			}
			return strings.TrimSpace(value), nil
		}
	}
	if out.ReadClipboard == nil {
		out.ReadClipboard = clipboard.ReadAll
	}
	if out.OpenURL == nil {
		out.OpenURL = browser.OpenURL
	}
	return &out
}

// DoLogin drives the browser through the Qwen sign-in form with the configured
// account and stores the new session in the token cache.
func DoLogin(ctx context.Context, cfg *config.Config) error {
	if !cfg.Qwen.HasAccount() {
		return fmt.Errorf("qwen.email and qwen.password (or QWEN_EMAIL / QWEN_PASSWORD) are required for -login")
	}
	session, err := NewSession(cfg)
	if err != nil {
		return err
	}

	misc.LogCredentialSeparator()
	log.Infof("logging in to %s as %s (headless=%t)", cfg.Qwen.BaseURL, util.HideAPIKey(cfg.Qwen.Email), cfg.Qwen.IsHeadless())
	token, err := session.Cache.GetOrCreate(ctx, credentialProvider(cfg), true)
	if err != nil {
		return fmt.Errorf("qwen login failed: %w", err)
	}
	reportSession(session, token)
	fmt.Println("Qwen authentication successful!")
	return nil
}

// DoManualLogin opens the sign-in page in the desktop browser and waits for
// the operator to copy the session token. A token typed at the prompt wins;
// an empty answer reads the clipboard. The token is checked against Qwen
// before it is cached.
func DoManualLogin(ctx context.Context, cfg *config.Config, options *LoginOptions) error {
	opts := options.withDefaults()
	session, err := NewSession(cfg)
	if err != nil {
		return err
	}

	signIn := loginURL(cfg)
	if !opts.NoBrowser {
		if errOpen := opts.OpenURL(signIn); errOpen != nil {
			log.Warnf("could not open a browser: %v", errOpen)
			fmt.Printf("Open this page manually: %s\n", signIn)
		}
	} else {
		fmt.Printf("Sign in at: %s\n", signIn)
	}
	fmt.Println("After signing in, copy the value of localStorage.token from the browser console")
	fmt.Println("(or a previously exported session token).")

	token, err := readManualToken(opts)
	if err != nil {
		return err
	}
	if _, err = session.Validator.DecodeClaims(token); err != nil {
		return fmt.Errorf("token rejected: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := session.Validator.ValidateRemote(checkCtx, token)
	switch {
	case err != nil:
		log.Warnf("could not reach %s to validate the token, caching it anyway: %v", cfg.Qwen.BaseURL, err)
	case !res.Valid:
		return fmt.Errorf("qwen rejected the token (status %d)", res.StatusCode)
	}

	if _, err = session.Cache.Store(token); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	reportSession(session, token)
	fmt.Println("Qwen authentication successful!")
	return nil
}

func readManualToken(opts *LoginOptions) (string, error) {
	line, err := opts.Prompt("Paste the token here, or press Enter to read it from the clipboard: ")
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	if token := cleanToken(line); token != "" {
		return token, nil
	}
	copied, err := opts.ReadClipboard()
	if err != nil {
		return "", fmt.Errorf("failed to read clipboard (paste the token at the prompt instead): %w", err)
	}
	token := cleanToken(copied)
	if token == "" {
		return "", errors.New("clipboard is empty")
	}
	return token, nil
}

// cleanToken trims whitespace and the quotes the browser console adds around strings.
func cleanToken(raw string) string {
	token := strings.TrimSpace(raw)
	if len(token) >= 2 && (token[0] == '"' || token[0] == '\'') && token[len(token)-1] == token[0] {
		token = token[1 : len(token)-1]
	}
	return strings.TrimSpace(token)
}

func reportSession(session *Session, token string) {
	if s, err := session.Cache.Load(); err == nil && s != nil && s.ExpiresAt != nil {
		fmt.Printf("Session expires at %s\n", s.ExpiresAt.Local().Format(time.RFC1123))
	}
	log.Debugf("cached session token %s", util.HideAPIKey(token))
}
