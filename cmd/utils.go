package main

import (
	"strings"

	"github.com/httprunner/DeviceAgent/internal/config"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveDBPath() string {
	return firstNonEmpty(rootDBPath, config.DBPath())
}
