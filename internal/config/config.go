package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr     = "127.0.0.1:8787"
	DefaultBackendTimeout = 30 * time.Second
	DefaultPageSize       = 10
	DefaultMaxImages      = 4
	DefaultMaxImageBytes  = 10 << 20

	envPrefix = "WIDGETCHAT_"
)

// Config is the on-disk configuration for widgetchat.
//
// NOTE: contact_session_id identifies a visitor to the backend. Keep the file chmod 0600.
type Config struct {
	BackendURL       string `yaml:"backend_url"`
	OrganizationID   string `yaml:"organization_id"`
	ContactSessionID string `yaml:"contact_session_id,omitempty"`
	ConversationID   string `yaml:"conversation_id,omitempty"`

	// StateDir holds the local sqlite state and the instance lock.
	// If empty, ~/.widgetchat/state is used.
	StateDir string `yaml:"state_dir,omitempty"`

	BackendTimeout time.Duration `yaml:"backend_timeout,omitempty"`

	Gateway GatewayConfig `yaml:"gateway"`
	Upload  UploadConfig  `yaml:"upload"`
	History HistoryConfig `yaml:"history"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

type GatewayConfig struct {
	ListenAddr     string   `yaml:"listen_addr,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

type UploadConfig struct {
	MaxImages     int   `yaml:"max_images,omitempty"`
	MaxImageBytes int64 `yaml:"max_image_bytes,omitempty"`
}

type HistoryConfig struct {
	InitialNumItems int `yaml:"initial_num_items,omitempty"`
	PageSize        int `yaml:"page_size,omitempty"`
}

// Default returns a config with every optional field filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = DefaultStateDir()
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = DefaultBackendTimeout
	}
	if strings.TrimSpace(c.Gateway.ListenAddr) == "" {
		c.Gateway.ListenAddr = DefaultListenAddr
	}
	if c.Upload.MaxImages <= 0 {
		c.Upload.MaxImages = DefaultMaxImages
	}
	if c.Upload.MaxImageBytes <= 0 {
		c.Upload.MaxImageBytes = DefaultMaxImageBytes
	}
	if c.History.InitialNumItems <= 0 {
		c.History.InitialNumItems = DefaultPageSize
	}
	if c.History.PageSize <= 0 {
		c.History.PageSize = DefaultPageSize
	}
	if strings.TrimSpace(c.LogFormat) == "" {
		c.LogFormat = "text"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	raw := strings.TrimSpace(c.BackendURL)
	if raw == "" {
		return errors.New("missing backend_url")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid backend_url: %q", raw)
	}
	if strings.TrimSpace(c.OrganizationID) == "" {
		return errors.New("missing organization_id")
	}
	if c.BackendTimeout < 0 {
		return errors.New("invalid backend_timeout")
	}
	if c.Upload.MaxImages < 0 || c.Upload.MaxImageBytes < 0 {
		return errors.New("invalid upload limits")
	}
	if c.History.InitialNumItems < 0 || c.History.PageSize < 0 {
		return errors.New("invalid history page size")
	}
	for _, o := range c.Gateway.AllowedOrigins {
		if strings.TrimSpace(o) == "" {
			return errors.New("invalid gateway.allowed_origins: empty entry")
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log format: %s", c.LogFormat)
	}
	return nil
}

func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "widget.sqlite")
}

func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, "widgetchat.lock")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ""
	}
	return home
}

// DefaultConfigPath returns the default config path:
//
//	~/.widgetchat/config.yaml
func DefaultConfigPath() string {
	home := homeDir()
	if home == "" {
		return "widgetchat.config.yaml"
	}
	return filepath.Join(home, ".widgetchat", "config.yaml")
}

func DefaultStateDir() string {
	home := homeDir()
	if home == "" {
		return ".widgetchat-state"
	}
	return filepath.Join(home, ".widgetchat", "state")
}

// LoadEnvFiles loads KEY=VALUE files into the process environment. Missing
// files are skipped; variables that are already set win.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from WIDGETCHAT_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if c == nil {
		return errors.New("nil config")
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) (string, bool) {
		v, ok := lookup(envPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"BACKEND_URL", &c.BackendURL},
		{"ORGANIZATION_ID", &c.OrganizationID},
		{"CONTACT_SESSION_ID", &c.ContactSessionID},
		{"CONVERSATION_ID", &c.ConversationID},
		{"STATE_DIR", &c.StateDir},
		{"LISTEN_ADDR", &c.Gateway.ListenAddr},
		{"LOG_FORMAT", &c.LogFormat},
		{"LOG_LEVEL", &c.LogLevel},
	}
	for _, s := range strs {
		if v, ok := get(s.name); ok {
			*s.dst = v
		}
	}

	if v, ok := get("BACKEND_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sBACKEND_TIMEOUT: %w", envPrefix, err)
		}
		c.BackendTimeout = d
	}
	if v, ok := get("MAX_IMAGES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_IMAGES: %w", envPrefix, err)
		}
		c.Upload.MaxImages = n
	}
	if v, ok := get("ALLOWED_ORIGINS"); ok {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Gateway.AllowedOrigins = origins
	}
	return nil
}

// Load reads the YAML config at path, applies environment overrides and
// defaults, and validates the result. A missing file yields an env-only config.
func Load(path string) (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Update applies fn to the file at path and saves it. Environment overrides
// are not read, so they never leak into the file.
func Update(path string, fn func(*Config)) error {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return err
	}
	if fn != nil {
		fn(&cfg)
	}
	return Save(path, &cfg)
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
