package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.BackendURL = "https://backend.example.com"
	cfg.OrganizationID = "org_1"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "missing backend", mutate: func(c *Config) { c.BackendURL = " " }, wantErr: "missing backend_url"},
		{name: "bad scheme", mutate: func(c *Config) { c.BackendURL = "ftp://x" }, wantErr: "invalid backend_url"},
		{name: "missing org", mutate: func(c *Config) { c.OrganizationID = "" }, wantErr: "missing organization_id"},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "unknown log level"},
		{name: "bad format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "unknown log format"},
		{name: "bad origin", mutate: func(c *Config) { c.Gateway.AllowedOrigins = []string{""} }, wantErr: "allowed_origins"},
		{name: "negative upload", mutate: func(c *Config) { c.Upload.MaxImages = -1 }, wantErr: "upload limits"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.ApplyDefaults()
	if cfg.BackendTimeout != 30*time.Second || cfg.Upload.MaxImages != 4 || cfg.History.PageSize != 10 || cfg.History.InitialNumItems != 10 {
		t.Fatalf("defaults=%+v", cfg)
	}
	if cfg.Gateway.ListenAddr != DefaultListenAddr || cfg.StateDir == "" {
		t.Fatalf("defaults=%+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"WIDGETCHAT_BACKEND_URL":     "http://127.0.0.1:3210",
		"WIDGETCHAT_ORGANIZATION_ID": " org_env ",
		"WIDGETCHAT_BACKEND_TIMEOUT": "5s",
		"WIDGETCHAT_MAX_IMAGES":      "2",
		"WIDGETCHAT_ALLOWED_ORIGINS": "https://a.example, ,https://b.example",
		"WIDGETCHAT_LOG_LEVEL":       "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := validConfig()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.BackendURL != "http://127.0.0.1:3210" || cfg.OrganizationID != "org_env" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.BackendTimeout != 5*time.Second || cfg.Upload.MaxImages != 2 {
		t.Fatalf("timeout=%s max_images=%d", cfg.BackendTimeout, cfg.Upload.MaxImages)
	}
	if want := []string{"https://a.example", "https://b.example"}; !reflect.DeepEqual(cfg.Gateway.AllowedOrigins, want) {
		t.Fatalf("origins=%v, want %v", cfg.Gateway.AllowedOrigins, want)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel=%q, empty env must not override", cfg.LogLevel)
	}

	env["WIDGETCHAT_BACKEND_TIMEOUT"] = "soon"
	if err := cfg.ApplyEnv(lookup); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := validConfig()
	cfg.ContactSessionID = "cs_1"
	cfg.BackendTimeout = 12 * time.Second
	cfg.Gateway.AllowedOrigins = []string{"https://site.example"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("perm=%v, want 0600", st.Mode().Perm())
	}
	b, _ := os.ReadFile(path)
	if !strings.Contains(string(b), "backend_timeout: 12s") {
		t.Fatalf("yaml=%s", b)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ContactSessionID != "cs_1" || got.BackendTimeout != 12*time.Second || got.Gateway.AllowedOrigins[0] != "https://site.example" {
		t.Fatalf("loaded=%+v", got)
	}
}

func TestSave_RejectsInvalid(t *testing.T) {
	t.Parallel()

	if err := Save(filepath.Join(t.TempDir(), "c.yaml"), &Config{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestUpdate_KeepsFileFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := validConfig()
	cfg.Upload.MaxImages = 2
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := Update(path, func(c *Config) { c.ContactSessionID = "cs_9" }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ContactSessionID != "cs_9" || got.Upload.MaxImages != 2 || got.OrganizationID != "org_1" {
		t.Fatalf("loaded=%+v", got)
	}

	missing := filepath.Join(t.TempDir(), "none.yaml")
	if err := Update(missing, func(c *Config) { c.ContactSessionID = "cs_1" }); err == nil {
		t.Fatalf("expected validation error for a file without backend_url")
	}
}

func TestLoad_RejectsBadYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("backend_url: [unclosed"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoad_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("WIDGETCHAT_BACKEND_URL", "https://env.example")
	t.Setenv("WIDGETCHAT_ORGANIZATION_ID", "org_env")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackendURL != "https://env.example" || cfg.OrganizationID != "org_env" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("WIDGETCHAT_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("WIDGETCHAT_TEST_DOTENV") })

	if err := LoadEnvFiles(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if got := os.Getenv("WIDGETCHAT_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("WIDGETCHAT_TEST_DOTENV=%q", got)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	log, err := NewLogger(&sb, "json", "debug")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Debug("hello", "k", "v")
	if !strings.Contains(sb.String(), `"msg":"hello"`) {
		t.Fatalf("out=%q", sb.String())
	}
	if _, err := NewLogger(nil, "xml", "info"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
