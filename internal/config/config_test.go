package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func validConfig() *Config {
	cfg := &Config{
		IMAP:       IMAPConfig{Host: "imap.example.com", Username: "watcher"},
		Mattermost: MattermostConfig{URL: "https://chat.example.com", Token: "t", ChannelID: "c"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
imap:
  host: imap.example.com
  username: watcher
mattermost:
  url: https://chat.example.com
  token: tok
  channel_id: chan
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IMAP.Port != 993 {
		t.Errorf("port = %d, want 993", cfg.IMAP.Port)
	}
	if !cfg.IMAP.UseTLS() {
		t.Error("TLS should default to true")
	}
	if len(cfg.Folders) != 1 || cfg.Folders[0] != "INBOX" {
		t.Errorf("folders = %v, want [INBOX]", cfg.Folders)
	}
	if len(cfg.MIMETypes) != 3 || cfg.MIMETypes[0] != "text/plain" {
		t.Errorf("mime_types = %v, want text/plain first", cfg.MIMETypes)
	}
	if cfg.HeaderStyle != HeaderCapitalized {
		t.Errorf("header_style = %q, want capitalized", cfg.HeaderStyle)
	}
	if cfg.FolderErrorPolicy != FolderErrorAbort {
		t.Errorf("folder_error_policy = %q, want abort", cfg.FolderErrorPolicy)
	}
	if cfg.DedupCapacity != 100 {
		t.Errorf("dedup_capacity = %d, want 100", cfg.DedupCapacity)
	}
	if cfg.Interval() != 5*time.Minute {
		t.Errorf("interval = %v, want 5m", cfg.Interval())
	}
}

func TestLoadPlaintextPortSkipsTLSDefault(t *testing.T) {
	path := writeConfig(t, `
imap:
  host: localhost
  port: 143
  username: watcher
mattermost:
  url: https://chat.example.com
  token: tok
  channel_id: chan
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IMAP.UseTLS() {
		t.Error("TLS should stay off for port 143")
	}
}

func TestLoadExplicitTLSWins(t *testing.T) {
	// Plaintext on a nonstandard port, e.g. a local test server.
	path := writeConfig(t, `
imap:
  host: localhost
  port: 1143
  username: watcher
  tls: false
mattermost:
  url: https://chat.example.com
  token: tok
  channel_id: chan
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IMAP.UseTLS() {
		t.Error("explicit tls: false must not be overridden by the port default")
	}

	// And the inverse: TLS forced on over port 143.
	path = writeConfig(t, `
imap:
  host: localhost
  port: 143
  username: watcher
  tls: true
mattermost:
  url: https://chat.example.com
  token: tok
  channel_id: chan
`)

	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IMAP.UseTLS() {
		t.Error("explicit tls: true must win over the port-143 default")
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_IMAP_PASSWORD", "hunter2")
	t.Setenv("TEST_MM_TOKEN", "tok-xyz")

	path := writeConfig(t, `
imap:
  host: imap.example.com
  username: watcher
  password: ${TEST_IMAP_PASSWORD}
mattermost:
  url: https://chat.example.com
  token: ${TEST_MM_TOKEN}
  channel_id: chan
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IMAP.Password != "hunter2" {
		t.Errorf("password = %q, want expanded env value", cfg.IMAP.Password)
	}
	if cfg.Mattermost.Token != "tok-xyz" {
		t.Errorf("token = %q, want expanded env value", cfg.Mattermost.Token)
	}
}

func TestLoadConditions(t *testing.T) {
	path := writeConfig(t, `
imap:
  host: imap.example.com
  username: watcher
mattermost:
  url: https://chat.example.com
  token: tok
  channel_id: chan
conditions:
  subject: "(?i)alert"
  from:
    - "*@example.com"
    - "admin@*"
  is_unread: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Conditions["subject"] != "(?i)alert" {
		t.Errorf("subject condition = %v", cfg.Conditions["subject"])
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.IMAP.Host = "" }},
		{"missing username", func(c *Config) { c.IMAP.Username = "" }},
		{"port out of range", func(c *Config) { c.IMAP.Port = 70000 }},
		{"empty folder name", func(c *Config) { c.Folders = []string{"INBOX", ""} }},
		{"no mime types", func(c *Config) { c.MIMETypes = nil }},
		{"bad header style", func(c *Config) { c.HeaderStyle = "shouting" }},
		{"bad folder policy", func(c *Config) { c.FolderErrorPolicy = "retry" }},
		{"bad condition regex", func(c *Config) { c.Conditions = map[string]any{"subject": "[x"} }},
		{"bad condition type", func(c *Config) { c.Conditions = map[string]any{"is_unread": "yes"} }},
		{"missing mattermost url", func(c *Config) { c.Mattermost.URL = "" }},
		{"missing token", func(c *Config) { c.Mattermost.Token = "" }},
		{"missing channel", func(c *Config) { c.Mattermost.ChannelID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want an error")
			}
		})
	}

	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestUnreadFilter(t *testing.T) {
	cfg := validConfig()
	if cfg.UnreadFilter() != nil {
		t.Error("no is_unread condition should mean no filter")
	}

	cfg.Conditions = map[string]any{"is_unread": true}
	if f := cfg.UnreadFilter(); f == nil || !*f {
		t.Errorf("UnreadFilter() = %v, want true", f)
	}

	cfg.Conditions = map[string]any{"is_unread": false}
	if f := cfg.UnreadFilter(); f == nil || *f {
		t.Errorf("UnreadFilter() = %v, want false", f)
	}

	cfg.Conditions = map[string]any{"is_unread": nil}
	if cfg.UnreadFilter() != nil {
		t.Error("nil is_unread should mean no filter")
	}
}

func TestFindConfigExplicit(t *testing.T) {
	path := writeConfig(t, "imap:\n  host: x\n")

	found, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if found != path {
		t.Errorf("FindConfig() = %q, want %q", found, path)
	}

	if _, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("FindConfig should fail for a missing explicit path")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"  info  ", slog.LevelInfo},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("ParseLogLevel should reject unknown levels")
	}
}
