package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config captures all runtime options for the statement optimizer.
type Config struct {
	DSN                string        `yaml:"dsn"`
	Driver             string        `yaml:"driver"`
	Database           string        `yaml:"database"`
	StatementTimeoutMs int           `yaml:"statement_timeout_ms"`
	Rewrite            RewriteConfig `yaml:"rewrite"`
	Batch              BatchConfig   `yaml:"batch"`
	Plan               PlanConfig    `yaml:"plan"`
	Monitor            MonitorConfig `yaml:"monitor"`
	Logging            Logging       `yaml:"logging"`
	Report             ReportConfig  `yaml:"report"`
	Storage            StorageConfig `yaml:"storage"`
}

// RewriteConfig controls the AST rewrite engine.
type RewriteConfig struct {
	Enabled       bool     `yaml:"enabled"`
	MaxPasses     int      `yaml:"max_passes"`
	DisabledRules []string `yaml:"disabled_rules"`
}

// RuleEnabled reports whether the named rule is not disabled.
func (r RewriteConfig) RuleEnabled(name string) bool {
	for _, disabled := range r.DisabledRules {
		if strings.EqualFold(strings.TrimSpace(disabled), name) {
			return false
		}
	}
	return true
}

// BatchConfig controls N+1 batching inside loop scopes.
type BatchConfig struct {
	Enabled bool `yaml:"enabled"`
	MaxKeys int  `yaml:"max_keys"`
}

// PlanConfig controls slow statement plan analysis.
type PlanConfig struct {
	Enabled         bool    `yaml:"enabled"`
	SlowThresholdMs int     `yaml:"slow_threshold_ms"`
	MinScanRows     float64 `yaml:"min_scan_rows"`
	MaxIndexColumns int     `yaml:"max_index_columns"`
	CreateIndexes   bool    `yaml:"create_indexes"`
	ExplainFormat   string  `yaml:"explain_format"`
}

// MonitorConfig controls text-level N+1 alerting outside loop scopes.
type MonitorConfig struct {
	Threshold  int `yaml:"threshold"`
	WindowMs   int `yaml:"window_ms"`
	CooldownMs int `yaml:"cooldown_ms"`
}

// Logging controls stdout logging behavior.
type Logging struct {
	Verbose bool   `yaml:"verbose"`
	LogFile string `yaml:"log_file"`
}

// ReportConfig controls the observability session output.
type ReportConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"output_dir"`
}

// StorageConfig holds external storage settings.
type StorageConfig struct {
	S3  S3Config  `yaml:"s3"`
	GCS GCSConfig `yaml:"gcs"`
}

// CloudEnabled reports whether any cloud storage backend is enabled.
func (s StorageConfig) CloudEnabled() bool {
	return s.GCS.Enabled || s.S3.Enabled
}

// S3Config configures S3 uploads (legacy and S3-compatible endpoints).
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// GCSConfig configures GCS uploads.
type GCSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	cfg := defaultConfig()
	normalizeConfig(&cfg)
	return cfg
}

const (
	statementTimeoutMsDefault = 15000
	rewriteMaxPassesDefault   = 8
	batchMaxKeysDefault       = 500
	planSlowThresholdDefault  = 200
	planMinScanRowsDefault    = 1000
	planMaxIndexColsDefault   = 4
	monitorThresholdDefault   = 5
	monitorWindowMsDefault    = 1000
	monitorCooldownMsDefault  = 10000

	// rewriteMaxPassesLimit bounds user overrides; every rule shrinks the AST.
	rewriteMaxPassesLimit = 64
)

func normalizeConfig(cfg *Config) {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Database != "" {
		cfg.DSN = ensureDatabaseInDSN(cfg.DSN, cfg.Database)
	}
	if cfg.StatementTimeoutMs <= 0 {
		cfg.StatementTimeoutMs = statementTimeoutMsDefault
	}
	if cfg.Rewrite.MaxPasses <= 0 {
		cfg.Rewrite.MaxPasses = rewriteMaxPassesDefault
	}
	if cfg.Rewrite.MaxPasses > rewriteMaxPassesLimit {
		cfg.Rewrite.MaxPasses = rewriteMaxPassesLimit
	}
	if cfg.Batch.MaxKeys <= 1 {
		cfg.Batch.MaxKeys = batchMaxKeysDefault
	}
	if cfg.Plan.SlowThresholdMs < 0 {
		cfg.Plan.SlowThresholdMs = planSlowThresholdDefault
	}
	if cfg.Plan.MinScanRows < 0 {
		cfg.Plan.MinScanRows = 0
	}
	if cfg.Plan.MaxIndexColumns <= 0 {
		cfg.Plan.MaxIndexColumns = planMaxIndexColsDefault
	}
	cfg.Plan.ExplainFormat = strings.ToLower(strings.TrimSpace(cfg.Plan.ExplainFormat))
	if cfg.Monitor.Threshold <= 1 {
		cfg.Monitor.Threshold = monitorThresholdDefault
	}
	if cfg.Monitor.WindowMs <= 0 {
		cfg.Monitor.WindowMs = monitorWindowMsDefault
	}
	if cfg.Monitor.CooldownMs < 0 {
		cfg.Monitor.CooldownMs = monitorCooldownMsDefault
	}
	if cfg.Report.OutputDir == "" {
		cfg.Report.OutputDir = "reports"
	}
}

// ensureDatabaseInDSN fills an empty MySQL DSN path with dbName.
func ensureDatabaseInDSN(dsn string, dbName string) string {
	if dsn == "" || dbName == "" {
		return dsn
	}
	if strings.Contains(dsn, "://") || strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	slash := strings.Index(dsn, "/")
	if slash < 0 {
		return dsn
	}
	query := strings.Index(dsn[slash+1:], "?")
	if query >= 0 {
		query = slash + 1 + query
	}
	afterSlash := dsn[slash+1:]
	if query >= 0 {
		afterSlash = dsn[slash+1 : query]
	}
	if strings.TrimSpace(afterSlash) != "" {
		return dsn
	}
	if query >= 0 {
		return dsn[:slash+1] + dbName + dsn[query:]
	}
	return dsn + dbName
}

// AdminDSN strips the database name from a MySQL DSN while preserving query
// parameters.
func AdminDSN(dsn string) string {
	if dsn == "" || strings.Contains(dsn, "://") {
		return dsn
	}
	slash := strings.Index(dsn, "/")
	if slash < 0 {
		return dsn
	}
	query := strings.Index(dsn[slash+1:], "?")
	if query >= 0 {
		query = slash + 1 + query
		return dsn[:slash+1] + dsn[query:]
	}
	return dsn[:slash+1]
}

func defaultConfig() Config {
	return Config{
		DSN:                "root:@tcp(127.0.0.1:4000)/",
		StatementTimeoutMs: statementTimeoutMsDefault,
		Rewrite: RewriteConfig{
			Enabled:   true,
			MaxPasses: rewriteMaxPassesDefault,
		},
		Batch: BatchConfig{
			Enabled: true,
			MaxKeys: batchMaxKeysDefault,
		},
		Plan: PlanConfig{
			Enabled:         true,
			SlowThresholdMs: planSlowThresholdDefault,
			MinScanRows:     planMinScanRowsDefault,
			MaxIndexColumns: planMaxIndexColsDefault,
			CreateIndexes:   false,
		},
		Monitor: MonitorConfig{
			Threshold:  monitorThresholdDefault,
			WindowMs:   monitorWindowMsDefault,
			CooldownMs: monitorCooldownMsDefault,
		},
		Logging: Logging{
			LogFile: "logs/sqlopt.log",
		},
		Report: ReportConfig{
			Enabled:   true,
			OutputDir: "reports",
		},
	}
}
