package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	content := `
sources:
  - repository: "acme/maps"
  - repository: "acme/private-maps"
    branch: "release"

paths:
  output_dir: "/srv/maps"

http:
  timeout: 10s
  max_retries: 5

sync:
  concurrency: 4

auth:
  token_file: "/run/secrets/gh"
`
	cfg, err := Load(writeConfig(t, "config.yaml", content))
	require.NoError(t, err)

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, Source{Repository: "acme/maps"}, cfg.Sources[0])
	assert.Equal(t, Source{Repository: "acme/private-maps", Branch: "release"}, cfg.Sources[1])
	assert.Equal(t, "/srv/maps", cfg.Paths.OutputDir)
	assert.Equal(t, 10*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 5, cfg.Retries())
	assert.Equal(t, 4, cfg.Sync.Concurrency)
	assert.Equal(t, "/run/secrets/gh", cfg.Auth.TokenFile)
}

func TestLoad_JSONSourcesFile(t *testing.T) {
	content := `{
  "sources": [
    {"repository": "acme/maps"},
    {"repository": "acme/other", "branch": "dev"}
  ]
}`
	cfg, err := Load(writeConfig(t, "sources.json", content))
	require.NoError(t, err)

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "dev", cfg.Sources[1].Branch)

	// Defaults
	assert.Equal(t, DefaultOutputDir, cfg.Paths.OutputDir)
	assert.Equal(t, DefaultAPIURL, cfg.HTTP.APIURL)
	assert.Equal(t, DefaultRawURL, cfg.HTTP.RawURL)
	assert.Equal(t, DefaultMediaURL, cfg.HTTP.MediaURL)
	assert.Equal(t, DefaultTimeout, cfg.HTTP.Timeout)
	assert.Equal(t, DefaultMaxRetries, cfg.Retries())
	assert.Equal(t, 1, cfg.Sync.Concurrency)
	assert.Equal(t, DefaultDebounce, cfg.Serve.Debounce)
}

func TestLoad_ZeroRetriesIsKept(t *testing.T) {
	content := `
sources:
  - repository: acme/maps
http:
  max_retries: 0
`
	cfg, err := Load(writeConfig(t, "config.yaml", content))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Retries())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "malformed json",
			content: `{"sources": [`,
			wantErr: ErrConfigMalformed,
		},
		{
			name:    "malformed yaml",
			content: "sources:\n  - repository: a\n bad-indent: [",
			wantErr: ErrConfigMalformed,
		},
		{
			name:    "sources missing",
			content: `{"repos": []}`,
			wantErr: ErrConfigInvalid,
		},
		{
			name:    "sources not a list",
			content: `{"sources": "acme/maps"}`,
			wantErr: ErrConfigInvalid,
		},
		{
			name:    "sources is an object",
			content: `{"sources": {"repository": "acme/maps"}}`,
			wantErr: ErrConfigInvalid,
		},
		{
			name:    "sources null",
			content: `{"sources": null}`,
			wantErr: ErrConfigInvalid,
		},
		{
			name:    "sources empty",
			content: `{"sources": []}`,
			wantErr: ErrConfigInvalid,
		},
		{
			name:    "source entry is a list",
			content: `{"sources": [["acme/maps"]]}`,
			wantErr: ErrConfigInvalid,
		},
		{
			name:    "negative concurrency",
			content: "sources:\n  - repository: acme/maps\nsync:\n  concurrency: -2\n",
			wantErr: ErrConfigInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "sources.json", tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigMissing), "expected ErrConfigMissing, got %v", err)
}

func TestLoad_EmptyRepositoryIsKept(t *testing.T) {
	cfg, err := Load(writeConfig(t, "sources.json", `{"sources": [{"repository": ""}, {"repository": "acme/maps"}]}`))
	require.NoError(t, err)
	require.Len(t, cfg.Sources, 2)
	assert.Empty(t, cfg.Sources[0].Repository)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("MAPSYNCD_TEST_OWNER", "acme")
	t.Setenv("MAPSYNCD_TEST_OUT", "/data/maps")

	content := `
sources:
  - repository: "${MAPSYNCD_TEST_OWNER}/maps"
paths:
  output_dir: "$MAPSYNCD_TEST_OUT"
`
	cfg, err := Load(writeConfig(t, "config.yaml", content))
	require.NoError(t, err)
	assert.Equal(t, "acme/maps", cfg.Sources[0].Repository)
	assert.Equal(t, "/data/maps", cfg.Paths.OutputDir)
}

func TestValidate(t *testing.T) {
	retries := -1

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				Sources: []Source{{Repository: "acme/maps"}},
				Paths:   PathsConfig{OutputDir: "Maps"},
				Sync:    SyncConfig{Concurrency: 1},
			},
			wantErr: false,
		},
		{
			name: "no sources",
			cfg: Config{
				Paths: PathsConfig{OutputDir: "Maps"},
				Sync:  SyncConfig{Concurrency: 1},
			},
			wantErr: true,
		},
		{
			name: "missing output dir",
			cfg: Config{
				Sources: []Source{{Repository: "acme/maps"}},
				Sync:    SyncConfig{Concurrency: 1},
			},
			wantErr: true,
		},
		{
			name: "negative timeout",
			cfg: Config{
				Sources: []Source{{Repository: "acme/maps"}},
				Paths:   PathsConfig{OutputDir: "Maps"},
				HTTP:    HTTPConfig{Timeout: -time.Second},
				Sync:    SyncConfig{Concurrency: 1},
			},
			wantErr: true,
		},
		{
			name: "negative retries",
			cfg: Config{
				Sources: []Source{{Repository: "acme/maps"}},
				Paths:   PathsConfig{OutputDir: "Maps"},
				HTTP:    HTTPConfig{MaxRetries: &retries},
				Sync:    SyncConfig{Concurrency: 1},
			},
			wantErr: true,
		},
		{
			name: "api url without scheme",
			cfg: Config{
				Sources: []Source{{Repository: "acme/maps"}},
				Paths:   PathsConfig{OutputDir: "Maps"},
				HTTP:    HTTPConfig{APIURL: "api.github.com"},
				Sync:    SyncConfig{Concurrency: 1},
			},
			wantErr: true,
		},
		{
			name: "serve enabled without listen addr",
			cfg: Config{
				Sources: []Source{{Repository: "acme/maps"}},
				Paths:   PathsConfig{OutputDir: "Maps"},
				Sync:    SyncConfig{Concurrency: 1},
				Serve: ServeConfig{
					Enabled:                 true,
					GitHubWebhookSecretFile: "/secret",
				},
			},
			wantErr: true,
		},
		{
			name: "serve enabled without secret",
			cfg: Config{
				Sources: []Source{{Repository: "acme/maps"}},
				Paths:   PathsConfig{OutputDir: "Maps"},
				Sync:    SyncConfig{Concurrency: 1},
				Serve: ServeConfig{
					Enabled:    true,
					ListenAddr: ":8787",
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolveToken(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenFile, []byte("  file-token\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{Auth: AuthConfig{TokenFile: tokenFile}}

	token, err := cfg.ResolveToken("env-token")
	require.NoError(t, err)
	assert.Equal(t, "env-token", token, "environment token takes precedence")

	token, err = cfg.ResolveToken("")
	require.NoError(t, err)
	assert.Equal(t, "file-token", token)

	token, err = (&Config{}).ResolveToken("")
	require.NoError(t, err)
	assert.Empty(t, token)

	_, err = (&Config{Auth: AuthConfig{TokenFile: "/nonexistent/token"}}).ResolveToken("")
	assert.Error(t, err)
}

func TestFindSource(t *testing.T) {
	cfg := &Config{Sources: []Source{
		{Repository: ""},
		{Repository: "Acme/Maps", Branch: "dev"},
	}}

	src, ok := cfg.FindSource("acme/maps")
	require.True(t, ok)
	assert.Equal(t, "dev", src.Branch)

	_, ok = cfg.FindSource("acme/other")
	assert.False(t, ok)

	_, ok = cfg.FindSource("")
	assert.False(t, ok)
}
