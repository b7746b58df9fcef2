package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Errors returned by Load. Callers match them with errors.Is.
var (
	ErrConfigMissing   = errors.New("config file not found")
	ErrConfigMalformed = errors.New("config file is malformed")
	ErrConfigInvalid   = errors.New("config file is invalid")
)

const (
	DefaultOutputDir  = "Maps"
	DefaultAPIURL     = "https://api.github.com"
	DefaultRawURL     = "https://raw.githubusercontent.com"
	DefaultMediaURL   = "https://media.githubusercontent.com/media"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultDebounce   = 2 * time.Second
)

// Config represents the complete mapsyncd configuration
type Config struct {
	Sources []Source    `yaml:"sources"`
	Paths   PathsConfig `yaml:"paths"`
	HTTP    HTTPConfig  `yaml:"http"`
	Sync    SyncConfig  `yaml:"sync"`
	Auth    AuthConfig  `yaml:"auth"`
	Serve   ServeConfig `yaml:"serve"`
}

// Source describes one GitHub repository to mirror maps from
type Source struct {
	Repository string `yaml:"repository"`
	Branch     string `yaml:"branch"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	OutputDir string `yaml:"output_dir"`
}

// HTTPConfig configures the GitHub endpoints and transport behavior
type HTTPConfig struct {
	APIURL     string        `yaml:"api_url"`
	RawURL     string        `yaml:"raw_url"`
	MediaURL   string        `yaml:"media_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries *int          `yaml:"max_retries"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// AuthConfig configures GitHub authentication. The GITHUB_TOKEN environment
// variable takes precedence over TokenFile.
type AuthConfig struct {
	TokenFile string `yaml:"token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	ListenAddr              string        `yaml:"listen_addr"`
	GitHubWebhookSecretFile string        `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string      `yaml:"allowed_event_types"`
	Debounce                time.Duration `yaml:"debounce"`
}

// document mirrors Config but keeps sources as a raw node so a missing or
// mistyped list can be reported as invalid rather than malformed.
type document struct {
	Sources yaml.Node   `yaml:"sources"`
	Paths   PathsConfig `yaml:"paths"`
	HTTP    HTTPConfig  `yaml:"http"`
	Sync    SyncConfig  `yaml:"sync"`
	Auth    AuthConfig  `yaml:"auth"`
	Serve   ServeConfig `yaml:"serve"`
}

// Load reads and parses the configuration file. JSON files are accepted as
// well since every JSON document is valid YAML.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigMissing, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigMalformed, path, err)
	}

	sources, err := decodeSources(&doc.Sources)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, path, err)
	}

	cfg := Config{
		Sources: sources,
		Paths:   doc.Paths,
		HTTP:    doc.HTTP,
		Sync:    doc.Sync,
		Auth:    doc.Auth,
		Serve:   doc.Serve,
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, path, err)
	}

	return &cfg, nil
}

func decodeSources(node *yaml.Node) ([]Source, error) {
	switch {
	case node.Kind == 0:
		return nil, errors.New("sources is required")
	case node.Kind != yaml.SequenceNode:
		return nil, errors.New("sources must be a list")
	case len(node.Content) == 0:
		return nil, errors.New("no repositories listed in sources")
	}

	var sources []Source
	if err := node.Decode(&sources); err != nil {
		return nil, fmt.Errorf("failed to decode sources: %w", err)
	}
	return sources, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	for i := range c.Sources {
		c.Sources[i].Repository = strings.TrimSpace(os.ExpandEnv(c.Sources[i].Repository))
		c.Sources[i].Branch = strings.TrimSpace(os.ExpandEnv(c.Sources[i].Branch))
	}
	c.Paths.OutputDir = os.ExpandEnv(c.Paths.OutputDir)
	c.HTTP.APIURL = os.ExpandEnv(c.HTTP.APIURL)
	c.HTTP.RawURL = os.ExpandEnv(c.HTTP.RawURL)
	c.HTTP.MediaURL = os.ExpandEnv(c.HTTP.MediaURL)
	c.Auth.TokenFile = os.ExpandEnv(c.Auth.TokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = DefaultOutputDir
	}
	if c.HTTP.APIURL == "" {
		c.HTTP.APIURL = DefaultAPIURL
	}
	if c.HTTP.RawURL == "" {
		c.HTTP.RawURL = DefaultRawURL
	}
	if c.HTTP.MediaURL == "" {
		c.HTTP.MediaURL = DefaultMediaURL
	}
	c.HTTP.APIURL = strings.TrimRight(c.HTTP.APIURL, "/")
	c.HTTP.RawURL = strings.TrimRight(c.HTTP.RawURL, "/")
	c.HTTP.MediaURL = strings.TrimRight(c.HTTP.MediaURL, "/")
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = DefaultTimeout
	}
	if c.HTTP.MaxRetries == nil {
		retries := DefaultMaxRetries
		c.HTTP.MaxRetries = &retries
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 1
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = DefaultDebounce
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("no repositories listed in sources")
	}

	if c.Paths.OutputDir == "" {
		return fmt.Errorf("paths.output_dir is required")
	}

	if c.HTTP.Timeout < 0 {
		return fmt.Errorf("http.timeout must not be negative: %s", c.HTTP.Timeout)
	}
	if c.HTTP.MaxRetries != nil && *c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must not be negative: %d", *c.HTTP.MaxRetries)
	}
	for _, endpoint := range []struct{ name, url string }{
		{"http.api_url", c.HTTP.APIURL},
		{"http.raw_url", c.HTTP.RawURL},
		{"http.media_url", c.HTTP.MediaURL},
	} {
		u := endpoint.url
		if u != "" && !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
			return fmt.Errorf("%s must be an http(s) URL: %s", endpoint.name, u)
		}
	}

	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be positive: %d", c.Sync.Concurrency)
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// Retries returns the configured retry count for transient HTTP failures
func (c *Config) Retries() int {
	if c.HTTP.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.HTTP.MaxRetries
}

// ResolveToken returns the GitHub token from envToken, falling back to the
// contents of auth.token_file. An empty result means unauthenticated access.
func (c *Config) ResolveToken(envToken string) (string, error) {
	if token := strings.TrimSpace(envToken); token != "" {
		return token, nil
	}
	if c.Auth.TokenFile == "" {
		return "", nil
	}

	data, err := os.ReadFile(c.Auth.TokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// FindSource returns the configured source for repository, compared
// case-insensitively the way GitHub treats owner/name pairs.
func (c *Config) FindSource(repository string) (Source, bool) {
	for _, src := range c.Sources {
		if src.Repository != "" && strings.EqualFold(src.Repository, repository) {
			return src, true
		}
	}
	return Source{}, false
}
