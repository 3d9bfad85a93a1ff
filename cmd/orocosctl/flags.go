package main

import (
	"fmt"
	"os"
	"slices"
	"time"
)

// Environment variables read as flag defaults
const (
	envConfig          = "OROCOSCTL_CONFIG"
	envLogLevel        = "OROCOSCTL_LOG_LEVEL"
	envLogFormat       = "OROCOSCTL_LOG_FORMAT"
	envShutdownTimeout = "OROCOSCTL_SHUTDOWN_TIMEOUT"
	envWaitTimeout     = "OROCOSCTL_WAIT_TIMEOUT"
)

// rootFlags holds the flags shared by every command
type rootFlags struct {
	configPaths     []string
	logLevel        string
	logFormat       string
	name            string
	shutdownTimeout time.Duration
	waitTimeout     time.Duration
}

func (f *rootFlags) validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, f.logLevel) {
		return fmt.Errorf("invalid log level: %s", f.logLevel)
	}
	if !slices.Contains([]string{"json", "text"}, f.logFormat) {
		return fmt.Errorf("invalid log format: %s", f.logFormat)
	}
	for _, path := range f.configPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}
	if f.shutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", f.shutdownTimeout)
	}
	if f.waitTimeout <= 0 {
		return fmt.Errorf("invalid wait timeout: %s", f.waitTimeout)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	if value := os.Getenv(key); value != "" {
		return []string{value}
	}
	return nil
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
