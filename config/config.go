package config

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in NameServiceConfig.Backends
const (
	BackendLocal = "local"
	BackendNATS  = "nats"
)

// Config is the runtime configuration
type Config struct {
	Runtime     RuntimeConfig     `yaml:"runtime" json:"runtime"`
	NATS        NATSConfig        `yaml:"nats" json:"nats"`
	NameService NameServiceConfig `yaml:"name_service" json:"name_service"`
	Process     ProcessConfig     `yaml:"process" json:"process"`
	Metrics     EndpointConfig    `yaml:"metrics" json:"metrics"`
	Health      EndpointConfig    `yaml:"health" json:"health"`
}

// RuntimeConfig holds process-wide settings
type RuntimeConfig struct {
	// Target is the build target of the deployments (OROCOS_TARGET)
	Target string `yaml:"target" json:"target" validate:"required"`

	// LogFile is the log artifact of this run (ORO_LOGFILE). Empty means
	// one is chosen when the runtime loads.
	LogFile     string `yaml:"log_file,omitempty" json:"log_file,omitempty"`
	KeepLogFile bool   `yaml:"keep_log_file" json:"keep_log_file"`

	TypekitDir string `yaml:"typekit_dir,omitempty" json:"typekit_dir,omitempty"`
	ConfigDir  string `yaml:"config_dir,omitempty" json:"config_dir,omitempty"`
}

// NATSConfig configures the RPC transport
type NATSConfig struct {
	URL            string        `yaml:"url" json:"url" validate:"required,url"`
	CallTimeout    time.Duration `yaml:"call_timeout" json:"call_timeout" validate:"gt=0"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"gt=0"`
	MaxMessageSize int           `yaml:"max_message_size" json:"max_message_size" validate:"gte=0"`
	MaxReconnects  int           `yaml:"max_reconnects" json:"max_reconnects" validate:"gte=-1"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait" json:"reconnect_wait" validate:"gte=0"`
	PingInterval   time.Duration `yaml:"ping_interval,omitempty" json:"ping_interval,omitempty" validate:"gte=0"`

	Token    string    `yaml:"token,omitempty" json:"token,omitempty"`
	User     string    `yaml:"user,omitempty" json:"user,omitempty" validate:"required_with=Password"`
	Password string    `yaml:"password,omitempty" json:"password,omitempty"`
	TLS      TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// TLSConfig holds the client certificate and CA of a TLS connection. Cert
// and Key go together.
type TLSConfig struct {
	Cert string `yaml:"cert,omitempty" json:"cert,omitempty" validate:"required_with=Key"`
	Key  string `yaml:"key,omitempty" json:"key,omitempty" validate:"required_with=Cert"`
	CA   string `yaml:"ca,omitempty" json:"ca,omitempty"`
}

// Enabled reports whether any TLS setting is present
func (t TLSConfig) Enabled() bool {
	return t.Cert != "" || t.Key != "" || t.CA != ""
}

// NameServiceConfig configures task name resolution
type NameServiceConfig struct {
	Host     string   `yaml:"host" json:"host" validate:"required"`
	Bucket   string   `yaml:"bucket" json:"bucket" validate:"required,bucket"`
	Backends []string `yaml:"backends" json:"backends" validate:"min=1,unique,dive,oneof=local nats"`

	CleanupWorkers int `yaml:"cleanup_workers" json:"cleanup_workers" validate:"gte=0"`
}

// ProcessConfig configures the child watcher
type ProcessConfig struct {
	DisableChildWatcher bool          `yaml:"disable_child_watcher" json:"disable_child_watcher"`
	PollInterval        time.Duration `yaml:"poll_interval" json:"poll_interval" validate:"gte=0"`
	DeploymentsFile     string        `yaml:"deployments_file,omitempty" json:"deployments_file,omitempty"`
}

// EndpointConfig is an optional HTTP endpoint. Port 0 disables it.
type EndpointConfig struct {
	Port int    `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Target: "gnulinux",
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			CallTimeout:    20 * time.Second,
			ConnectTimeout: 100 * time.Millisecond,
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
		},
		NameService: NameServiceConfig{
			Host:     "127.0.0.1",
			Bucket:   "OROCOS_NAMES",
			Backends: []string{BackendLocal, BackendNATS},
		},
		Process: ProcessConfig{
			PollInterval: 100 * time.Millisecond,
		},
		Metrics: EndpointConfig{Path: "/metrics"},
		Health:  EndpointConfig{Path: "/health"},
	}
}

// Validate checks field constraints
func (c *Config) Validate() error {
	return validateStruct(c)
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	clone.NameService.Backends = slices.Clone(c.NameService.Backends)
	return &clone
}

// String renders the configuration as YAML, secrets redacted
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	data, err := yaml.Marshal(redacted)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}

// Modify applies fn to a copy of the configuration and stores the result
// if it still validates
func (sc *SafeConfig) Modify(fn func(*Config)) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	next := sc.config.Clone()
	fn(next)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	sc.config = next
	return nil
}
