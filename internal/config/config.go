// Package config handles imap2mm configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/rules"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/imap2mm/config.yaml, /etc/imap2mm/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "imap2mm", "config.yaml"))
	}

	paths = append(paths, "/etc/imap2mm/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all imap2mm configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	IMAP       IMAPConfig       `yaml:"imap"`
	Mattermost MattermostConfig `yaml:"mattermost"`

	// Folders lists the mailboxes to scan each run. Default: ["INBOX"].
	Folders []string `yaml:"folders"`

	// Conditions maps condition kinds (subject, body, from, to, cc,
	// has_attachment, is_unread) to their rule values. Unknown kinds are
	// tolerated and ignored at evaluation time.
	Conditions map[string]any `yaml:"conditions"`

	// MIMETypes is the body part preference order. Parts whose type is
	// not listed are never considered as message bodies.
	// Default: text/plain, text/enriched, text/html.
	MIMETypes []string `yaml:"mime_types"`

	// AttachmentTypes is the MIME allow-list for attachment uploads.
	// Entries may be exact ("application/pdf") or a wildcard subtype
	// ("image/*"). Empty disables attachment uploads.
	AttachmentTypes []string `yaml:"attachment_types"`

	// ExportHeaders lists raw header fields to copy into each
	// notification, normalized per HeaderStyle.
	ExportHeaders []string `yaml:"export_headers"`

	// HeaderStyle controls exported header key normalization:
	// "capitalized" (List-Id), "downcased" (list-id) or
	// "snakecased" (list_id). Default: capitalized.
	HeaderStyle string `yaml:"header_style"`

	// FolderErrorPolicy controls what a protocol error on one folder does
	// to the rest of the run: "abort" (default) or "skip".
	FolderErrorPolicy string `yaml:"folder_error_policy"`

	MarkAsRead bool `yaml:"mark_as_read"`
	Delete     bool `yaml:"delete"`
	IncludeRaw bool `yaml:"include_raw"`
	DryRun     bool `yaml:"dry_run"`

	// StateDB is the SQLite file holding watermark and dedup state.
	StateDB string `yaml:"state_db"`

	// DedupCapacity bounds the recently-notified message-ID list.
	DedupCapacity int `yaml:"dedup_capacity"`

	// IntervalSeconds is the delay between scan cycles in watch mode.
	IntervalSeconds int `yaml:"interval_seconds"`
}

// IMAPConfig holds IMAP server connection parameters.
type IMAPConfig struct {
	// Host is the IMAP server hostname (e.g., "imap.gmail.com").
	Host string `yaml:"host"`

	// Port is the IMAP server port. Default: 993 (IMAPS).
	Port int `yaml:"port"`

	// Username is the IMAP login username (typically the email address).
	Username string `yaml:"username"`

	// Password is the IMAP login password. Supports environment variable
	// expansion via the config loader (e.g., ${IMAP_PASSWORD}).
	Password string `yaml:"password"`

	// TLS controls whether to use TLS for the connection. When unset it
	// defaults to true, except on the conventional plaintext port 143.
	// An explicit value always wins, so plaintext on a nonstandard port
	// (e.g. a local test server) stays configurable.
	TLS *bool `yaml:"tls"`
}

// UseTLS resolves the TLS setting: the explicit value when present,
// otherwise true unless the port is 143.
func (c IMAPConfig) UseTLS() bool {
	if c.TLS != nil {
		return *c.TLS
	}
	return c.Port != 143
}

// MattermostConfig holds the Mattermost REST API connection parameters.
type MattermostConfig struct {
	// URL is the Mattermost base URL (e.g., "https://chat.example.com").
	URL string `yaml:"url"`

	// Token is a bot or personal access token. Supports environment
	// variable expansion (e.g., ${MATTERMOST_TOKEN}).
	Token string `yaml:"token"`

	// ChannelID is the channel that receives notifications.
	ChannelID string `yaml:"channel_id"`
}

// Header normalization styles accepted by Config.HeaderStyle.
const (
	HeaderCapitalized = "capitalized"
	HeaderDowncased   = "downcased"
	HeaderSnakecased  = "snakecased"
)

// Folder error policies accepted by Config.FolderErrorPolicy.
const (
	FolderErrorAbort = "abort"
	FolderErrorSkip  = "skip"
)

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets stay out of the file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.IMAP.Port == 0 {
		c.IMAP.Port = 993
	}
	if len(c.Folders) == 0 {
		c.Folders = []string{"INBOX"}
	}
	if len(c.MIMETypes) == 0 {
		c.MIMETypes = []string{"text/plain", "text/enriched", "text/html"}
	}
	if c.HeaderStyle == "" {
		c.HeaderStyle = HeaderCapitalized
	}
	if c.FolderErrorPolicy == "" {
		c.FolderErrorPolicy = FolderErrorAbort
	}
	if c.StateDB == "" {
		c.StateDB = "imap2mm.db"
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 100
	}
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 300
	}
}

// Interval returns the watch-mode cycle delay as a time.Duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Validate checks that the configuration is internally consistent,
// including compiling every condition rule. It is called before a run
// ever connects anywhere, so a bad regex or glob can never surface
// mid-scan. Returns an error describing the first problem found.
func (c *Config) Validate() error {
	if c.IMAP.Host == "" {
		return fmt.Errorf("imap.host is required")
	}
	if c.IMAP.Username == "" {
		return fmt.Errorf("imap.username is required")
	}
	if c.IMAP.Port < 1 || c.IMAP.Port > 65535 {
		return fmt.Errorf("imap.port %d out of range (1-65535)", c.IMAP.Port)
	}
	for i, f := range c.Folders {
		if f == "" {
			return fmt.Errorf("folders[%d] must not be empty", i)
		}
	}
	if len(c.MIMETypes) == 0 {
		return fmt.Errorf("mime_types must not be empty")
	}
	switch c.HeaderStyle {
	case HeaderCapitalized, HeaderDowncased, HeaderSnakecased:
	default:
		return fmt.Errorf("header_style %q invalid (valid: capitalized, downcased, snakecased)", c.HeaderStyle)
	}
	switch c.FolderErrorPolicy {
	case FolderErrorAbort, FolderErrorSkip:
	default:
		return fmt.Errorf("folder_error_policy %q invalid (valid: abort, skip)", c.FolderErrorPolicy)
	}
	if _, err := rules.Compile(c.Conditions); err != nil {
		return fmt.Errorf("conditions: %w", err)
	}
	if c.Mattermost.URL == "" {
		return fmt.Errorf("mattermost.url is required")
	}
	if c.Mattermost.Token == "" {
		return fmt.Errorf("mattermost.token is required")
	}
	if c.Mattermost.ChannelID == "" {
		return fmt.Errorf("mattermost.channel_id is required")
	}
	return nil
}

// UnreadFilter returns the scanner's read/unread pre-filter derived from
// the is_unread condition: nil means no filtering, true keeps only unread
// messages, false keeps only already-read messages.
func (c *Config) UnreadFilter() *bool {
	v, ok := c.Conditions["is_unread"]
	if !ok || v == nil {
		return nil
	}
	b, ok := v.(bool)
	if !ok {
		return nil
	}
	return &b
}
