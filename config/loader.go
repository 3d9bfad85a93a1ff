package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chhtz/tools-orocosrb/errors"
)

// Environment variables read by the loader
const (
	EnvTarget              = "OROCOS_TARGET"
	EnvLogFile             = "ORO_LOGFILE"
	EnvNATSURL             = "OROCOS_NATS_URL"
	EnvCallTimeout         = "OROCOS_CALL_TIMEOUT"
	EnvConnectTimeout      = "OROCOS_CONNECT_TIMEOUT"
	EnvDisableChildWatcher = "OROCOS_DISABLE_CHILD_WATCHER"
	EnvNameServiceHost     = "OROCOS_NAMESERVICE_HOST"
	EnvNameBackends        = "OROCOS_NAME_BACKENDS"
)

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges the defaults, every layer and the environment, in that order
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		layer, err := loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, layer)
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged configuration")
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads one layer as a generic map. JSON files are valid YAML.
func loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any) (*Config, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) error {
	lookup := func(key string) (string, bool, error) {
		val, ok := os.LookupEnv(key)
		if !ok || val == "" {
			return "", false, nil
		}
		if err := validateEnvVar(key, val); err != nil {
			return "", false, err
		}
		return val, true, nil
	}

	textual := []struct {
		key string
		dst *string
	}{
		{EnvTarget, &cfg.Runtime.Target},
		{EnvLogFile, &cfg.Runtime.LogFile},
		{EnvNATSURL, &cfg.NATS.URL},
		{EnvNameServiceHost, &cfg.NameService.Host},
	}
	for _, s := range textual {
		val, ok, err := lookup(s.key)
		if err != nil {
			return err
		}
		if ok {
			*s.dst = val
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvCallTimeout, &cfg.NATS.CallTimeout},
		{EnvConnectTimeout, &cfg.NATS.ConnectTimeout},
	}
	for _, d := range durations {
		val, ok, err := lookup(d.key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		parsed, err := ParseTimeout(val)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if val, ok, err := lookup(EnvDisableChildWatcher); err != nil {
		return err
	} else if ok {
		disabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDisableChildWatcher, err)
		}
		cfg.Process.DisableChildWatcher = disabled
	}

	if val, ok, err := lookup(EnvNameBackends); err != nil {
		return err
	} else if ok {
		var backends []string
		for _, b := range strings.Split(val, ",") {
			if b = strings.TrimSpace(b); b != "" {
				backends = append(backends, b)
			}
		}
		cfg.NameService.Backends = backends
	}
	return nil
}

// ParseTimeout accepts a Go duration ("250ms") or a plain number of
// milliseconds ("250")
func ParseTimeout(s string) (time.Duration, error) {
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative timeout %q", s)
		}
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %q", s)
	}
	return d, nil
}

// SaveToFile writes the configuration as YAML
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}
