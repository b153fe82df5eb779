package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for bb.
type Config struct {
	BaseDir string        `toml:"base_dir"`
	LogDir  string        `toml:"log_dir"`
	Borg    BorgConfig    `toml:"borg"`
	AWS     AWSConfig     `toml:"aws"`
	Storage StorageConfig `toml:"storage"`
}

// BorgConfig holds settings for the external backup engine.
type BorgConfig struct {
	ExecutablePath      string          `toml:"executable_path"`
	Compression         string          `toml:"compression"`
	StorageQuota        string          `toml:"storage_quota"`
	AdditionalFreeSpace string          `toml:"additional_free_space"`
	CheckpointInterval  int             `toml:"checkpoint_interval"` // seconds
	Retention           RetentionConfig `toml:"retention"`
	// Passphrase and NewPassphrase are the lowest-priority passphrase
	// sources, consulted after files and environment variables.
	Passphrase    string `toml:"passphrase,omitempty"`
	NewPassphrase string `toml:"new_passphrase,omitempty"`
}

// RetentionConfig is the global default prune policy.
type RetentionConfig struct {
	KeepDaily   int `toml:"keep_daily"`
	KeepWeekly  int `toml:"keep_weekly"`
	KeepMonthly int `toml:"keep_monthly"`
	KeepYearly  int `toml:"keep_yearly"`
}

// AWSConfig holds settings for the DynamoDB backend and the S3 syncer.
type AWSConfig struct {
	Region          string `toml:"region"`
	Profile         string `toml:"profile,omitempty"`
	AccessKeyID     string `toml:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty"`
	ReposTable      string `toml:"repos_table"`
	ArchivesTable   string `toml:"archives_table"`
	S3StatsTable    string `toml:"s3_stats_table"`
	S3Bucket        string `toml:"s3_bucket"`
	S3StorageClass  string `toml:"s3_storage_class"`
	MaxRetrySeconds int    `toml:"max_retry_seconds"`
}

// StorageConfig selects the metadata store backend. This uses a tagged union
// pattern - the Type field determines which other fields are relevant.
type StorageConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "dynamodb"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Borg: BorgConfig{
			ExecutablePath:      "borg",
			Compression:         "zstd,1",
			StorageQuota:        "100G",
			AdditionalFreeSpace: "2G",
			CheckpointInterval:  900,
			Retention:           RetentionConfig{KeepDaily: 7, KeepWeekly: 4, KeepMonthly: 6, KeepYearly: 0},
		},
		AWS: AWSConfig{
			Region:          "us-west-1",
			ReposTable:      "bb-repos",
			ArchivesTable:   "bb-archives",
			S3StatsTable:    "bb-s3-stats",
			S3Bucket:        "bb-backups",
			S3StorageClass:  "INTELLIGENT_TIERING",
			MaxRetrySeconds: 60,
		},
		Storage: StorageConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
	}
}

// PassphrasesDir returns the directory holding per-repository secret files.
func (c *Config) PassphrasesDir() string {
	return filepath.Join(c.BaseDir, "passphrases")
}

// ExcludesPath returns the excludes file path for a repository.
func (c *Config) ExcludesPath(repoName string) string {
	return filepath.Join(c.BaseDir, "excludes", repoName+"_excludes.txt")
}

// Validate returns non-fatal warnings about the configuration. Hard errors
// (unusable values) are returned by the error.
func (c *Config) Validate() ([]string, error) {
	var warnings []string

	r := c.Borg.Retention
	if r.KeepDaily < 0 || r.KeepWeekly < 0 || r.KeepMonthly < 0 || r.KeepYearly < 0 {
		return nil, fmt.Errorf("retention values must be non-negative")
	}
	if r.KeepDaily == 0 && r.KeepWeekly == 0 && r.KeepMonthly == 0 && r.KeepYearly == 0 {
		warnings = append(warnings, "default retention keeps zero archives at every cadence; archives will never be pruned")
	}

	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.DataDir == "" {
			return nil, fmt.Errorf("storage.data_dir is required for the sqlite backend")
		}
	case "dynamodb":
		if c.AWS.ReposTable == "" {
			return nil, fmt.Errorf("aws.repos_table is required for the dynamodb backend")
		}
	default:
		return nil, fmt.Errorf("unknown storage type: %s", c.Storage.Type)
	}

	if c.Borg.ExecutablePath == "" {
		return nil, fmt.Errorf("borg.executable_path must not be empty")
	}

	return warnings, nil
}

// envOverrides maps environment variables onto config fields. Applied after
// the file is decoded so the environment always wins.
func (c *Config) applyEnvOverrides() {
	setStr := func(target *string, key string) {
		if v := os.Getenv(key); v != "" {
			*target = v
		}
	}
	setInt := func(target *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*target = n
			}
		}
	}

	setStr(&c.Borg.ExecutablePath, "BB_BORG_EXECUTABLE")
	setStr(&c.Storage.Type, "BB_STORAGE_TYPE")
	setStr(&c.AWS.Region, "BB_AWS_REGION")
	setStr(&c.AWS.Profile, "BB_AWS_PROFILE")
	setStr(&c.AWS.ReposTable, "BB_REPOS_TABLE")
	setStr(&c.AWS.ArchivesTable, "BB_ARCHIVES_TABLE")
	setStr(&c.AWS.S3Bucket, "BB_S3_BUCKET")
	setInt(&c.Borg.Retention.KeepDaily, "BB_KEEP_DAILY")
	setInt(&c.Borg.Retention.KeepWeekly, "BB_KEEP_WEEKLY")
	setInt(&c.Borg.Retention.KeepMonthly, "BB_KEEP_MONTHLY")
	setInt(&c.Borg.Retention.KeepYearly, "BB_KEEP_YEARLY")
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader and applies environment
// overrides.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyEnvOverrides()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided
// Config. Fails if the file already exists.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
