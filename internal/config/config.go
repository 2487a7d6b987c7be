// Package config loads datasync config from YAML. Env overrides take precedence.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds resolved paths and settings. Paths use XDG defaults when not in file.
type Config struct {
	DbPath      string `yaml:"db_path"`
	SnapshotDir string `yaml:"snapshot_dir"`

	// Checkpoint archive. Empty bucket keeps archives on the local folder store.
	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`

	// Hex-encoded 32-byte master key. Empty disables snapshot encryption.
	MasterKeyHex string `yaml:"master_key_hex"`

	MonitoringEnabled      bool    `yaml:"monitoring_enabled"`
	MonitorIntervalSecs    int     `yaml:"monitor_interval_secs"`
	SweepIntervalSecs      int     `yaml:"sweep_interval_secs"`
	MaxFailureRate         float64 `yaml:"max_failure_rate"`
	MaxConsistencyErrors   int     `yaml:"max_consistency_errors"`
	MaxIntegrityViolations int     `yaml:"max_integrity_violations"`
	MaxSyncDelaySecs       int     `yaml:"max_sync_delay_secs"`

	// Resource types covered by the periodic integrity sweep.
	SweepTypes []string `yaml:"sweep_types"`
}

type rawConfig struct {
	DbPath      string `yaml:"db_path"`
	SnapshotDir string `yaml:"snapshot_dir"`

	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`

	MasterKeyHex string `yaml:"master_key_hex"`

	MonitoringEnabled      *bool   `yaml:"monitoring_enabled"`
	MonitorIntervalSecs    int     `yaml:"monitor_interval_secs"`
	SweepIntervalSecs      int     `yaml:"sweep_interval_secs"`
	MaxFailureRate         float64 `yaml:"max_failure_rate"`
	MaxConsistencyErrors   int     `yaml:"max_consistency_errors"`
	MaxIntegrityViolations int     `yaml:"max_integrity_violations"`
	MaxSyncDelaySecs       int     `yaml:"max_sync_delay_secs"`

	SweepTypes []string `yaml:"sweep_types"`
}

// Load reads config from XDG_CONFIG_HOME/datasync/config.yaml. Missing file uses defaults.
// Env overrides: DS_DB_PATH, DS_SNAPSHOT_DIR, DS_S3_BUCKET, DS_MASTER_KEY.
func Load() (*Config, error) {
	dataHome := xdgDataHome()
	configHome := xdgConfigHome()
	path := filepath.Join(configHome, "datasync", "config.yaml")

	c := &Config{
		DbPath:                 filepath.Join(dataHome, "datasync", "datasync.db"),
		SnapshotDir:            filepath.Join(dataHome, "datasync", "snapshots"),
		MonitoringEnabled:      true,
		MonitorIntervalSecs:    60,
		SweepIntervalSecs:      3600,
		MaxFailureRate:         0.1,
		MaxConsistencyErrors:   5,
		MaxIntegrityViolations: 10,
		MaxSyncDelaySecs:       300,
		SweepTypes:             []string{"users", "orders", "products", "reservations"},
	}

	b, err := os.ReadFile(path)
	if err == nil {
		var raw rawConfig
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, err
		}
		if raw.DbPath != "" {
			c.DbPath = resolvePath(raw.DbPath, dataHome)
		}
		if raw.SnapshotDir != "" {
			c.SnapshotDir = resolvePath(raw.SnapshotDir, dataHome)
		}
		if raw.S3Bucket != "" {
			c.S3Bucket = raw.S3Bucket
		}
		if raw.S3Prefix != "" {
			c.S3Prefix = raw.S3Prefix
		}
		if raw.S3Region != "" {
			c.S3Region = raw.S3Region
		}
		if raw.S3Endpoint != "" {
			c.S3Endpoint = raw.S3Endpoint
		}
		if raw.MasterKeyHex != "" {
			c.MasterKeyHex = raw.MasterKeyHex
		}
		if raw.MonitoringEnabled != nil {
			c.MonitoringEnabled = *raw.MonitoringEnabled
		}
		if raw.MonitorIntervalSecs > 0 {
			c.MonitorIntervalSecs = raw.MonitorIntervalSecs
		}
		if raw.SweepIntervalSecs > 0 {
			c.SweepIntervalSecs = raw.SweepIntervalSecs
		}
		if raw.MaxFailureRate > 0 {
			c.MaxFailureRate = raw.MaxFailureRate
		}
		if raw.MaxConsistencyErrors > 0 {
			c.MaxConsistencyErrors = raw.MaxConsistencyErrors
		}
		if raw.MaxIntegrityViolations > 0 {
			c.MaxIntegrityViolations = raw.MaxIntegrityViolations
		}
		if raw.MaxSyncDelaySecs > 0 {
			c.MaxSyncDelaySecs = raw.MaxSyncDelaySecs
		}
		if len(raw.SweepTypes) > 0 {
			c.SweepTypes = raw.SweepTypes
		}
	}

	// Env overrides
	if v := os.Getenv("DS_DB_PATH"); v != "" {
		c.DbPath = v
	}
	if v := os.Getenv("DS_SNAPSHOT_DIR"); v != "" {
		c.SnapshotDir = v
	}
	if v := os.Getenv("DS_S3_BUCKET"); v != "" {
		c.S3Bucket = v
	}
	if v := os.Getenv("DS_MASTER_KEY"); v != "" {
		c.MasterKeyHex = v
	}

	return c, nil
}

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share")
}

func xdgConfigHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

// resolvePath expands $XDG_DATA_HOME, $HOME in paths from config file.
func resolvePath(p, dataHome string) string {
	return filepath.Clean(os.Expand(p, func(key string) string {
		if key == "XDG_DATA_HOME" {
			return dataHome
		}
		if key == "XDG_CONFIG_HOME" {
			return xdgConfigHome()
		}
		if key == "HOME" {
			home, _ := os.UserHomeDir()
			return home
		}
		return ""
	}))
}
