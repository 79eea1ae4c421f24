package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the agent settings for one managed executable.
type Config struct {
	// BinaryPath is the absolute path of the executable the agent manages.
	BinaryPath string `yaml:"binary_path"`
	// MetadataDir holds the release manifest, the backup copy and the
	// trusted public key.
	MetadataDir string `yaml:"metadata_dir"`
	// ServiceName is the systemd unit controlling the managed executable.
	ServiceName string `yaml:"service_name"`
	// ListenAddress is the TCP address the update API binds to.
	ListenAddress string `yaml:"listen_address"`
	// ProbeAttempts is how many times the post-install health probe
	// checks the service before declaring the update dead.
	ProbeAttempts int `yaml:"health_probe_attempts"`
	// ProbeIntervalText is the pause between probe attempts in
	// time.ParseDuration form ("1s", "500ms").
	ProbeIntervalText string `yaml:"health_probe_interval"`
	// ProbeInterval is the parsed probe pause. It is filled by Validate
	// and not persisted to YAML.
	ProbeInterval time.Duration `yaml:"-"`
	// LogLevel sets the agent log verbosity.
	LogLevel string `yaml:"log_level"`
	// LogFile, when set, duplicates agent logs into a rotating file.
	LogFile string `yaml:"log_file"`
	// MaxUploadBytes caps the accepted upload size. Zero keeps the
	// transport default.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

const (
	// DefaultConfigPath is where the agent looks for settings when no
	// path is given on the command line.
	DefaultConfigPath = "/etc/kaonic/kaonic-ota.yaml"

	// DefaultBinaryPath is the managed executable on the device image.
	DefaultBinaryPath = "/usr/bin/kaonic-commd"

	// DefaultMetadataDir is the device metadata directory.
	DefaultMetadataDir = "/etc/kaonic"

	// DefaultServiceName is the systemd unit of the managed executable.
	DefaultServiceName = "kaonic-commd.service"

	// DefaultListenAddress exposes the update API on every interface.
	DefaultListenAddress = "0.0.0.0:8682"

	// DefaultProbeAttempts is how many times the health probe polls.
	DefaultProbeAttempts = 10

	// DefaultProbeInterval is the pause between health probe attempts.
	DefaultProbeInterval = time.Second

	// DefaultLogLevel keeps the agent at informational verbosity.
	DefaultLogLevel = "info"

	// trustedKeyFilename is the public key file the device is
	// provisioned with.
	trustedKeyFilename = "beechat-ota.pub.pem"

	// backupSuffix and manifestSuffix name the per-binary metadata files.
	backupSuffix   = ".bak"
	manifestSuffix = ".release.yaml"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errBinaryPathNotAbsolute is returned for relative managed paths.
	errBinaryPathNotAbsolute = errors.New("binary path must be absolute")
	// errNegativeUploadLimit is returned for a negative upload cap.
	errNegativeUploadLimit = errors.New("max upload bytes must not be negative")
)

// Load reads configuration from the provided path and validates it. An
// empty path falls back to DefaultConfigPath, and a missing file there
// yields the built-in defaults so a bare device image still runs.
// An explicitly requested path must exist.
func Load(path string) (*Config, error) {
	requested := path != ""
	if !requested {
		path = DefaultConfigPath
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if !requested && errors.Is(err, os.ErrNotExist) {
			cfg := new(Config)
			if err := Validate(cfg); err != nil {
				return nil, err
			}

			return cfg, nil
		}

		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// configFilePermissions keeps the settings file world-readable; it
// carries no secrets.
const configFilePermissions = 0o644

// Save validates the settings and writes them as YAML. Provisioning
// tooling lays device configuration down with it; the agent itself only
// ever reads.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	if cfg.ProbeIntervalText == "" {
		cfg.ProbeIntervalText = cfg.ProbeInterval.String()
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err := os.WriteFile(filepath.Clean(path), data, configFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings and fills in defaults for
// everything left unset.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.BinaryPath == "" {
		cfg.BinaryPath = DefaultBinaryPath
	}

	if !filepath.IsAbs(cfg.BinaryPath) {
		return fmt.Errorf("%w: %s", errBinaryPathNotAbsolute, cfg.BinaryPath)
	}

	if cfg.MetadataDir == "" {
		cfg.MetadataDir = DefaultMetadataDir
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}

	if _, err := net.ResolveTCPAddr("tcp", cfg.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}

	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = DefaultProbeAttempts
	}

	if cfg.ProbeIntervalText != "" {
		interval, err := time.ParseDuration(cfg.ProbeIntervalText)
		if err != nil {
			return fmt.Errorf("invalid health probe interval: %w", err)
		}

		cfg.ProbeInterval = interval
	}

	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.MaxUploadBytes < 0 {
		return errNegativeUploadLimit
	}

	return nil
}

// BinaryName is the base name of the managed executable. Package
// artifact names and metadata file names derive from it.
func (c *Config) BinaryName() string {
	return filepath.Base(c.BinaryPath)
}

// BackupPath is where the previous executable is kept during and after
// an update.
func (c *Config) BackupPath() string {
	return filepath.Join(c.MetadataDir, c.BinaryName()+backupSuffix)
}

// ManifestPath is the YAML file recording the committed release.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.MetadataDir, c.BinaryName()+manifestSuffix)
}

// TrustedKeyPath is the PEM public key uploads are verified against.
func (c *Config) TrustedKeyPath() string {
	return filepath.Join(c.MetadataDir, trustedKeyFilename)
}
