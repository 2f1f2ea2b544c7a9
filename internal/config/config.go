package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	DefaultConfigDir   = ".scmsync"
	DefaultConfigFile  = "config.json"
	DefaultSQLiteFile  = ".scmsync/scmsync.db"
	DefaultLeaseSeconds = 300
	DefaultRenewIntervalSeconds = 60
	DefaultMaxRenewFailures = 3
	DefaultPollInterval = 5 * time.Second
	DefaultReaperInterval = 60 * time.Second
	DefaultReaperGraceSeconds = 30
	DefaultMaxRunDurationSeconds = 3600
	DefaultOverlapSeconds    = 300
	DefaultOverlapRevisions  = 1
)

// Load reads configuration from an optional config file plus the
// environment variables named in the external-interfaces contract,
// with the environment always taking precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v)
	bindEnv(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = defaultWorkerID()
	}
	if cfg.Database.Driver == "" {
		if cfg.Database.DSN != "" {
			cfg.Database.Driver = "postgres"
		} else {
			cfg.Database.Driver = "sqlite"
		}
	}
	if cfg.Database.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Database.Path = filepath.Join(home, DefaultSQLiteFile)
		}
	}
	return &cfg, nil
}

// setDefaults populates viper with the defaults from §4.5/§4.6/§6.
func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.poll_interval", DefaultPollInterval)
	v.SetDefault("worker.lease_seconds", DefaultLeaseSeconds)
	v.SetDefault("worker.renew_interval_seconds", DefaultRenewIntervalSeconds)
	v.SetDefault("worker.max_renew_failures", DefaultMaxRenewFailures)

	v.SetDefault("reaper.interval", DefaultReaperInterval)
	v.SetDefault("reaper.grace_seconds", DefaultReaperGraceSeconds)
	v.SetDefault("reaper.max_run_duration_seconds", DefaultMaxRunDurationSeconds)

	v.SetDefault("sync_mode", "strict")
	v.SetDefault("svn.bin_path", "svn")

	v.SetDefault("executor.overlap_seconds", DefaultOverlapSeconds)
	v.SetDefault("executor.overlap_revisions", DefaultOverlapRevisions)
	v.SetDefault("executor.diff_mode", string(DiffModeBestEffort))
}

// bindEnv wires the spec's literal top-level environment variable
// names (§6) to their nested config keys; AutomaticEnv alone would
// only match DATABASE_DSN-style names (no env prefix is set), not
// POSTGRES_DSN.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("database.dsn", "POSTGRES_DSN")
	_ = v.BindEnv("worker.id", "WORKER_ID")
	_ = v.BindEnv("worker.poll_interval", "POLL_INTERVAL")
	_ = v.BindEnv("worker.lease_seconds", "SCM_WORKER_LEASE_SECONDS")
	_ = v.BindEnv("worker.renew_interval_seconds", "SCM_WORKER_RENEW_INTERVAL_SECONDS")
	_ = v.BindEnv("worker.max_renew_failures", "SCM_WORKER_MAX_RENEW_FAILURES")
	_ = v.BindEnv("worker.pool_name", "SCM_WORKER_POOL_NAME")
	_ = v.BindEnv("gitlab.token", "GITLAB_TOKEN")
	_ = v.BindEnv("gitlab.private_token", "GITLAB_PRIVATE_TOKEN")
	_ = v.BindEnv("sync_mode", "SCM_SYNC_MODE")
}

// defaultWorkerID synthesizes a worker id from the hostname, pid, and a
// short random suffix when WORKER_ID is not set (spec §4.5), truncated
// to 32 chars so it fits comfortably in locked_by columns.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	id := fmt.Sprintf("%s-%d-%s", host, os.Getpid(), suffix)
	if len(id) > 32 {
		id = id[len(id)-32:]
	}
	if len(id) < 24 {
		id = id + strings.Repeat("0", 24-len(id))
	}
	return id
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}
