// config_reload.go implements debounced configuration hot reload.
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/speakloop/apiclient/internal/config"
	"github.com/speakloop/apiclient/internal/util"
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

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (w *Watcher) reloadConfigIfChanged() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty config file write event")
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.configMu.RLock()
	currentHash := w.lastConfigHash
	w.configMu.RUnlock()

	if currentHash != "" && currentHash == newHash {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}
	log.Infof("config file changed, reloading: %s", w.configPath)

	newConfig, errParse := config.Parse(data)
	if errParse != nil {
		log.Errorf("failed to reload config: %v", errParse)
		return
	}
	newConfig.ApplyEnv(nil)

	w.configMu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.lastConfigHash = newHash
	w.configMu.Unlock()

	util.SetLogLevel(newConfig)
	if details := configChangeDetails(oldConfig, newConfig); len(details) > 0 {
		log.Debugf("config changes detected:")
		for _, d := range details {
			log.Debugf("  %s", d)
		}
	} else {
		log.Debugf("no material config field changes detected")
	}

	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
}

// configChangeDetails lists changed fields in a log friendly form. Secrets
// are never printed.
func configChangeDetails(oldCfg, newCfg *config.Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var details []string
	add := func(name string, before, after any) {
		if before != after {
			details = append(details, fmt.Sprintf("%s: %v -> %v", name, before, after))
		}
	}
	add("base-url", oldCfg.BaseURL, newCfg.BaseURL)
	add("health-path", oldCfg.HealthPath, newCfg.HealthPath)
	add("proxy-url", oldCfg.ProxyURL != "", newCfg.ProxyURL != "")
	add("debug", oldCfg.Debug, newCfg.Debug)
	add("request-log", oldCfg.RequestLog, newCfg.RequestLog)
	add("request.timeout", oldCfg.Request.Timeout, newCfg.Request.Timeout)
	add("request.upload-timeout", oldCfg.Request.UploadTimeout, newCfg.Request.UploadTimeout)
	add("request.probe-timeout", oldCfg.Request.ProbeTimeout, newCfg.Request.ProbeTimeout)
	add("request.refresh-timeout", oldCfg.Request.RefreshTimeout, newCfg.Request.RefreshTimeout)
	add("request.max-retries", oldCfg.Request.MaxRetries, newCfg.Request.MaxRetries)
	add("backoff.base", oldCfg.Backoff.Base, newCfg.Backoff.Base)
	add("backoff.cap", oldCfg.Backoff.Cap, newCfg.Backoff.Cap)
	add("backoff.jitter", oldCfg.Backoff.Jitter, newCfg.Backoff.Jitter)
	if oldCfg.SecretStore.Type != newCfg.SecretStore.Type {
		details = append(details, fmt.Sprintf("secret-store.type: %s -> %s (takes effect after restart)", oldCfg.SecretStore.Type, newCfg.SecretStore.Type))
	}
	return details
}
