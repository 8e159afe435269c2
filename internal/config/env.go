package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/DeviceAgent/internal/env"
)

// Environment keys read by the agent.
const (
	EnvPollInterval    = "DEVICEAGENT_POLL_INTERVAL"
	EnvRefreshInterval = "DEVICE_REFRESH_INTERVAL"
	EnvDeviceAllowlist = "DEVICE_ALLOWLIST" // e.g. "device-A,device-B" or "device-A device-B"
	EnvDBPath          = "DEVICEAGENT_DB_PATH"
	EnvLogLevel        = "DEVICEAGENT_LOG_LEVEL"

	EnvFeishuAppID      = "FEISHU_APP_ID"
	EnvFeishuAppSecret  = "FEISHU_APP_SECRET"
	EnvFeishuBaseURL    = "FEISHU_BASE_URL"
	EnvFeishuNotifyChat = "FEISHU_NOTIFY_CHAT_ID"

	// EnvFeishuNotifyLimit caps failure messages per test per hour; 0 disables the cap.
	EnvFeishuNotifyLimit = "FEISHU_NOTIFY_LIMIT_PER_HOUR"
)

var ensureOnce sync.Once

func ensureEnvLoaded() {
	ensureOnce.Do(func() {
		_ = env.Ensure()
	})
}

// String returns the trimmed environment variable or fallback when unset.
func String(key, fallback string) string {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// Duration parses a time duration from environment or returns fallback.
// Bare integers are read as seconds.
func Duration(key string, fallback time.Duration) time.Duration {
	ensureEnvLoaded()
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		return parsed
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// Int returns an integer environment variable or fallback when invalid.
func Int(key string, fallback int) int {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Bool parses a boolean environment variable.
func Bool(key string, fallback bool) bool {
	ensureEnvLoaded()
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

// DBPath returns the history database location, ~/.deviceagent/history.sqlite
// unless DEVICEAGENT_DB_PATH is set.
func DBPath() string {
	if path := String(EnvDBPath, ""); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".deviceagent", "history.sqlite")
	}
	return filepath.Join(home, ".deviceagent", "history.sqlite")
}
