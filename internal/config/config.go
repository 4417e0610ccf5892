package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/customlauncher/patchsync/internal/platform"
)

// Defaults for the live game servers
const (
	DefaultManifestURL = "https://cdn.toontownrewritten.com/content/patchmanifest.txt"
	DefaultDownloadURL = "https://download.toontownrewritten.com/patches"
	DefaultStagingDir  = "temp"
	DefaultTimeout     = 10 * time.Minute
	DefaultListenAddr  = "127.0.0.1:8765"
	DefaultOwner       = "hyperdefined"
	DefaultRepository  = "CustomLauncherRewrite"

	// MaxConcurrency bounds parallel downloads
	MaxConcurrency = 16
	// MinInterval bounds how often serve may poll the manifest on its own
	MinInterval = time.Minute
)

// DefaultExecutables are installed with the executable bit on Unix hosts
var DefaultExecutables = []string{"TTREngine", "Toontown Rewritten"}

// OnErrorPolicy defines what a run does after a file fails to sync
type OnErrorPolicy string

const (
	OnErrorAbort    OnErrorPolicy = "abort"
	OnErrorContinue OnErrorPolicy = "continue"
)

// Config represents the complete patchsync configuration
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sync     SyncConfig     `yaml:"sync"`
	Serve    ServeConfig    `yaml:"serve"`
	Launcher LauncherConfig `yaml:"launcher"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	InstallDir string `yaml:"install_dir"`
	StagingDir string `yaml:"staging_dir"`
}

// RemoteConfig configures the manifest and distribution servers
type RemoteConfig struct {
	ManifestURL string        `yaml:"manifest_url"`
	DownloadURL string        `yaml:"download_url"`
	UserAgent   string        `yaml:"user_agent"`
	Timeout     time.Duration `yaml:"timeout"`
	S3          S3Config      `yaml:"s3"`
}

// S3Config configures an s3:// download_url
type S3Config struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Platform    string        `yaml:"platform"`
	Verify      *bool         `yaml:"verify"`
	OnError     OnErrorPolicy `yaml:"on_error"`
	Concurrency int           `yaml:"concurrency"`
	Executables []string      `yaml:"executables"`
}

// ServeConfig configures the local control server
type ServeConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	TriggerSecretFile string        `yaml:"trigger_secret_file"`
	Interval          time.Duration `yaml:"interval"`
}

// LauncherConfig names the GitHub repository checked by self-check
type LauncherConfig struct {
	Owner      string `yaml:"owner"`
	Repository string `yaml:"repository"`
}

// legacyConfig is the launcher's config/config.json
type legacyConfig struct {
	InstallLocation string `json:"ttrInstallLocation"`
	Version         int    `json:"version"`
}

// Load reads and parses the configuration file. YAML is the native format;
// a .json or .jsonc file is read as a legacy launcher config.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		cfg, err = parseLegacy(data)
	default:
		cfg, err = parseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func parseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseLegacy(data []byte) (*Config, error) {
	var legacy legacyConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &legacy); err != nil {
		return nil, err
	}
	return &Config{
		Paths: PathsConfig{InstallDir: legacy.InstallLocation},
	}, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.InstallDir = os.ExpandEnv(c.Paths.InstallDir)
	c.Paths.StagingDir = os.ExpandEnv(c.Paths.StagingDir)
	c.Remote.ManifestURL = os.ExpandEnv(c.Remote.ManifestURL)
	c.Remote.DownloadURL = os.ExpandEnv(c.Remote.DownloadURL)
	c.Remote.UserAgent = os.ExpandEnv(c.Remote.UserAgent)
	c.Remote.S3.Region = os.ExpandEnv(c.Remote.S3.Region)
	c.Remote.S3.Endpoint = os.ExpandEnv(c.Remote.S3.Endpoint)
	c.Sync.Platform = os.ExpandEnv(c.Sync.Platform)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.TriggerSecretFile = os.ExpandEnv(c.Serve.TriggerSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.StagingDir == "" {
		c.Paths.StagingDir = DefaultStagingDir
	}
	if c.Remote.ManifestURL == "" {
		c.Remote.ManifestURL = DefaultManifestURL
	}
	if c.Remote.DownloadURL == "" {
		c.Remote.DownloadURL = DefaultDownloadURL
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = DefaultTimeout
	}
	if c.Sync.Verify == nil {
		verify := true
		c.Sync.Verify = &verify
	}
	if c.Sync.OnError == "" {
		c.Sync.OnError = OnErrorAbort
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 1
	}
	if c.Sync.Executables == nil {
		c.Sync.Executables = append([]string(nil), DefaultExecutables...)
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	if c.Launcher.Owner == "" {
		c.Launcher.Owner = DefaultOwner
	}
	if c.Launcher.Repository == "" {
		c.Launcher.Repository = DefaultRepository
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate paths
	if c.Paths.InstallDir == "" {
		return fmt.Errorf("paths.install_dir is required")
	}
	if !filepath.IsAbs(c.Paths.InstallDir) {
		return fmt.Errorf("paths.install_dir must be an absolute path: %s", c.Paths.InstallDir)
	}
	if c.Paths.StagingDir == "" {
		return fmt.Errorf("paths.staging_dir is required")
	}
	if err := c.checkStagingDir(); err != nil {
		return err
	}

	// Validate remote endpoints
	if err := checkURL("remote.manifest_url", c.Remote.ManifestURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("remote.download_url", c.Remote.DownloadURL, "http", "https", "s3"); err != nil {
		return err
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must not be negative: %s", c.Remote.Timeout)
	}

	// Validate sync behavior
	if c.Sync.Platform != "" {
		if _, err := platform.Parse(c.Sync.Platform); err != nil {
			return fmt.Errorf("invalid sync.platform: %w", err)
		}
	}
	switch c.Sync.OnError {
	case OnErrorAbort, OnErrorContinue:
		// valid
	default:
		return fmt.Errorf("invalid sync.on_error policy: %s (must be abort or continue)", c.Sync.OnError)
	}
	if c.Sync.Concurrency < 1 || c.Sync.Concurrency > MaxConcurrency {
		return fmt.Errorf("sync.concurrency must be between 1 and %d: %d", MaxConcurrency, c.Sync.Concurrency)
	}

	// Validate serve config
	if c.Serve.Interval < 0 {
		return fmt.Errorf("serve.interval must not be negative: %s", c.Serve.Interval)
	}
	if c.Serve.Interval > 0 && c.Serve.Interval < MinInterval {
		return fmt.Errorf("serve.interval must be at least %s: %s", MinInterval, c.Serve.Interval)
	}

	if c.Launcher.Owner == "" || c.Launcher.Repository == "" {
		return fmt.Errorf("launcher.owner and launcher.repository are required")
	}

	return nil
}

// checkStagingDir keeps the staging dir apart from the install dir. The
// stager deletes what it staged there, so the two trees must not overlap.
func (c *Config) checkStagingDir() error {
	if filepath.Clean(c.Paths.StagingDir) == "." {
		return fmt.Errorf("paths.staging_dir must not be the working directory")
	}
	staging, err := filepath.Abs(c.Paths.StagingDir)
	if err != nil {
		return fmt.Errorf("invalid paths.staging_dir: %w", err)
	}
	install, err := filepath.Abs(c.Paths.InstallDir)
	if err != nil {
		return fmt.Errorf("invalid paths.install_dir: %w", err)
	}

	switch {
	case filepath.Dir(staging) == staging:
		return fmt.Errorf("paths.staging_dir must not be the filesystem root: %s", c.Paths.StagingDir)
	case staging == install:
		return fmt.Errorf("paths.staging_dir must differ from paths.install_dir")
	case within(install, staging):
		return fmt.Errorf("paths.staging_dir must not be inside paths.install_dir: %s", c.Paths.StagingDir)
	case within(staging, install):
		return fmt.Errorf("paths.staging_dir must not contain paths.install_dir: %s", c.Paths.StagingDir)
	}
	return nil
}

// within reports whether path lies below parent. Both must be absolute.
func within(parent, path string) bool {
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func checkURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL with a host: %s", field, strings.Join(schemes, "/"), raw)
}

// VerifyEnabled reports whether installed files are checked against the
// manifest digest
func (c *Config) VerifyEnabled() bool {
	return c.Sync.Verify == nil || *c.Sync.Verify
}

// ContinueOnError reports whether a run keeps going after a failed file
func (c *Config) ContinueOnError() bool {
	return c.Sync.OnError == OnErrorContinue
}

// UsesS3 reports whether artifacts come from an S3 mirror
func (c *Config) UsesS3() bool {
	return strings.HasPrefix(c.Remote.DownloadURL, "s3://")
}

// Default returns a configuration with every default applied for the given
// install directory. It is what `init` writes when no config exists.
func Default(installDir string) *Config {
	cfg := &Config{Paths: PathsConfig{InstallDir: installDir}}
	cfg.applyDefaults()
	return cfg
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write to a temp file and rename so a crash never leaves half a config
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".patchsync-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to set config file mode: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}
