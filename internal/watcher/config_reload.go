package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/qwen-gateway/qwen-gateway/internal/config"
	"github.com/qwen-gateway/qwen-gateway/internal/util"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

func (w *Watcher) stopConfigReloadTimer() {
	w.configReloadMu.Lock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
		w.configReloadTimer = nil
	}
	w.configReloadMu.Unlock()
}

func (w *Watcher) scheduleConfigReload() {
	w.configReloadMu.Lock()
	defer w.configReloadMu.Unlock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
	}
	w.configReloadTimer = time.AfterFunc(configReloadDebounce, func() {
		w.configReloadMu.Lock()
		w.configReloadTimer = nil
		w.configReloadMu.Unlock()
		w.reloadConfigIfChanged()
	})
}

func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// reloadConfigIfChanged reloads when the file content hash moved. It reports
// whether a new configuration was handed to the callback.
func (w *Watcher) reloadConfigIfChanged() bool {
	newHash := hashFile(w.configPath)
	if newHash == "" {
		log.Debugf("ignoring unreadable or empty config file")
		return false
	}

	w.mu.RLock()
	currentHash := w.lastConfigHash
	w.mu.RUnlock()
	if currentHash == newHash {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return false
	}

	log.Infof("config file changed, reloading: %s", w.configPath)
	if !w.reloadConfig() {
		return false
	}
	w.mu.Lock()
	w.lastConfigHash = newHash
	w.mu.Unlock()
	return true
}

func (w *Watcher) reloadConfig() bool {
	newConfig, errLoadConfig := config.LoadConfig(w.configPath)
	if errLoadConfig != nil {
		log.Errorf("failed to reload config, keeping the previous one: %v", errLoadConfig)
		return false
	}

	w.mu.Lock()
	var oldConfig *config.Config
	_ = yaml.Unmarshal(w.oldConfigYaml, &oldConfig)
	w.oldConfigYaml, _ = yaml.Marshal(newConfig)
	w.config = newConfig
	w.mu.Unlock()

	util.SetLogLevel(newConfig)
	if oldConfig != nil {
		if details := configChangeDetails(oldConfig, newConfig); len(details) > 0 {
			log.Debugf("config changes detected:")
			for _, d := range details {
				log.Debugf("  %s", d)
			}
		} else {
			log.Debugf("no material config field changes detected")
		}
	}

	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
	return true
}

// configChangeDetails lists changed settings without revealing secrets.
func configChangeDetails(oldCfg, newCfg *config.Config) []string {
	var changes []string
	add := func(name string, before, after any) {
		if !reflect.DeepEqual(before, after) {
			changes = append(changes, fmt.Sprintf("%s: %v -> %v", name, before, after))
		}
	}
	secret := func(name string, before, after string) {
		if before != after {
			changes = append(changes, name+" changed")
		}
	}

	add("host", oldCfg.Host, newCfg.Host)
	add("port", oldCfg.Port, newCfg.Port)
	add("debug", oldCfg.Debug, newCfg.Debug)
	add("logging-to-file", oldCfg.LoggingToFile, newCfg.LoggingToFile)
	add("logs-dir", oldCfg.LogsDir, newCfg.LogsDir)
	add("proxy-url", oldCfg.ProxyURL, newCfg.ProxyURL)
	add("passthrough-headers", oldCfg.PassthroughHeaders, newCfg.PassthroughHeaders)
	add("streaming.keepalive-seconds", oldCfg.Streaming.KeepAliveSeconds, newCfg.Streaming.KeepAliveSeconds)
	if !reflect.DeepEqual(oldCfg.APIKeys, newCfg.APIKeys) {
		changes = append(changes, fmt.Sprintf("api-keys: %d -> %d entries", len(oldCfg.APIKeys), len(newCfg.APIKeys)))
	}
	secret("qwen.email", oldCfg.Qwen.Email, newCfg.Qwen.Email)
	secret("qwen.password", oldCfg.Qwen.Password, newCfg.Qwen.Password)
	secret("qwen.bearer-token", oldCfg.Qwen.BearerToken, newCfg.Qwen.BearerToken)
	add("qwen.base-url", oldCfg.Qwen.BaseURL, newCfg.Qwen.BaseURL)
	add("qwen.sessions-dir", oldCfg.Qwen.SessionsDir, newCfg.Qwen.SessionsDir)
	add("qwen.cache-max-age-hours", oldCfg.Qwen.CacheMaxAgeHours, newCfg.Qwen.CacheMaxAgeHours)
	add("qwen.tls-fingerprint", oldCfg.Qwen.TLSFingerprint, newCfg.Qwen.TLSFingerprint)
	add("qwen.first-byte-timeout-seconds", oldCfg.Qwen.FirstByteTimeoutSeconds, newCfg.Qwen.FirstByteTimeoutSeconds)
	add("qwen.request-timeout-seconds", oldCfg.Qwen.RequestTimeoutSeconds, newCfg.Qwen.RequestTimeoutSeconds)
	if !reflect.DeepEqual(oldCfg.ModelAliases, newCfg.ModelAliases) {
		changes = append(changes, fmt.Sprintf("model-aliases: %d -> %d entries", len(oldCfg.ModelAliases), len(newCfg.ModelAliases)))
	}
	return changes
}
