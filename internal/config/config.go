package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/logging"
)

// LoadFromBytes loads configuration from YAML bytes with environment variable expansion
func LoadFromBytes(data []byte) (Config, error) {
	var c Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// Merge overlays a second YAML document on top of c. Only keys present in
// data are replaced.
func (c *Config) Merge(data []byte) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config overlay: %w", err)
	}
	return nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return c.Merge(data)
}

type Config struct {
	Server struct {
		Host            string        `yaml:"host"`
		Port            int           `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"server"`

	Auth struct {
		AccessSecret string        `yaml:"accessSecret"`
		Issuer       string        `yaml:"issuer"`
		AccessExpire time.Duration `yaml:"accessExpire"`
	} `yaml:"auth"`

	Database struct {
		SQLitePath string `yaml:"sqlitePath"`
	} `yaml:"database"`

	Logging logging.Config `yaml:"logging"`

	Lifecycle struct {
		PendingTTL              time.Duration `yaml:"pendingTTL"`
		InterventionTTL         time.Duration `yaml:"interventionTTL"`
		QueueTimeout            time.Duration `yaml:"queueTimeout"`
		MaxInterventionAttempts int           `yaml:"maxInterventionAttempts"`
		SweepSchedule           string        `yaml:"sweepSchedule"`
		Retention               time.Duration `yaml:"retention"`
		GCSchedule              string        `yaml:"gcSchedule"`
	} `yaml:"lifecycle"`

	ControlPlane struct {
		AuthGrace      time.Duration `yaml:"authGrace"`
		PingInterval   time.Duration `yaml:"pingInterval"`
		WriteWait      time.Duration `yaml:"writeWait"`
		MaxMissedPongs int           `yaml:"maxMissedPongs"`
		SendBuffer     int           `yaml:"sendBuffer"`
		MaxMessageSize int64         `yaml:"maxMessageSize"`
		AllowedOrigins []string      `yaml:"allowedOrigins"`
		CommandTimeout time.Duration `yaml:"commandTimeout"`
	} `yaml:"controlPlane"`

	Pool struct {
		Size           int           `yaml:"size"`
		BasePort       int           `yaml:"basePort"`
		DataDir        string        `yaml:"dataDir"`
		Driver         string        `yaml:"driver"`   // chromedp or playwright
		Executor       string        `yaml:"executor"` // local or agent
		ExecutablePath string        `yaml:"executablePath"`
		Headless       bool          `yaml:"headless"`
		NoSandbox      bool          `yaml:"noSandbox"`
		OpenStagger    time.Duration `yaml:"openStagger"`
		LaunchTimeout  time.Duration `yaml:"launchTimeout"`
		RetryBackoff   time.Duration `yaml:"retryBackoff"`
		StepTimeout    time.Duration `yaml:"stepTimeout"`
		MaxStepRetries int           `yaml:"maxStepRetries"`
		HealthSchedule string        `yaml:"healthSchedule"`
	} `yaml:"pool"`

	Sites struct {
		Dir   string `yaml:"dir"`
		Watch bool   `yaml:"watch"`
	} `yaml:"sites"`

	Vault struct {
		KeySource string `yaml:"keySource"` // keyring or env
		KeyEnv    string `yaml:"keyEnv"`
	} `yaml:"vault"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// Validate checks the fields the engine cannot run without.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return apperr.Validation("server.port %d out of range", c.Server.Port)
	case len(c.Auth.AccessSecret) < 16:
		return apperr.Validation("auth.accessSecret must be at least 16 bytes")
	case c.Pool.Size <= 0:
		return apperr.Validation("pool.size must be positive")
	case c.Pool.BasePort <= 0 || c.Pool.BasePort+c.Pool.Size > 65535:
		return apperr.Validation("pool.basePort %d cannot host %d profiles", c.Pool.BasePort, c.Pool.Size)
	case c.Pool.Driver != "chromedp" && c.Pool.Driver != "playwright":
		return apperr.Validation("pool.driver %q unsupported", c.Pool.Driver)
	case c.Pool.Executor != "local" && c.Pool.Executor != "agent":
		return apperr.Validation("pool.executor %q unsupported", c.Pool.Executor)
	case c.Pool.MaxStepRetries < 0 || c.Pool.MaxStepRetries > 2:
		return apperr.Validation("pool.maxStepRetries must be within 0..2")
	case c.Lifecycle.PendingTTL <= 0 || c.Lifecycle.InterventionTTL <= 0:
		return apperr.Validation("lifecycle TTLs must be positive")
	case c.Lifecycle.QueueTimeout <= 0:
		return apperr.Validation("lifecycle.queueTimeout must be positive")
	case c.Lifecycle.MaxInterventionAttempts <= 0:
		return apperr.Validation("lifecycle.maxInterventionAttempts must be positive")
	case c.ControlPlane.MaxMissedPongs <= 0:
		return apperr.Validation("controlPlane.maxMissedPongs must be positive")
	case c.ControlPlane.PingInterval <= 0 || c.ControlPlane.AuthGrace <= 0:
		return apperr.Validation("controlPlane intervals must be positive")
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
