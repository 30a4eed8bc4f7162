// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package config loads scheduler settings from a .env file, an optional YAML
// file named by CONFIG_FILE, and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"analysisqueue/src/logging"
)

const (
	BackendLocal   = "local"
	BackendCluster = "cluster"
)

type Config struct {
	Database  Database  `yaml:"database"`
	API       API       `yaml:"api"`
	Scheduler Scheduler `yaml:"scheduler"`
	Sandbox   Sandbox   `yaml:"sandbox"`
	Cluster   Cluster   `yaml:"cluster"`
}

type Database struct {
	Driver     string `yaml:"driver"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Name       string `yaml:"name"`
	Host       string `yaml:"host"`
	Port       string `yaml:"port"`
	SSLMode    string `yaml:"sslmode"`
	SQLitePath string `yaml:"sqlite_path"`
}

type API struct {
	Port          string `yaml:"port"`
	BaseURL       string `yaml:"base_url"`
	InternalToken string `yaml:"internal_token"`
}

type Scheduler struct {
	Backend              string        `yaml:"backend"`
	PollingInterval      time.Duration `yaml:"polling_interval"`
	DispatchRetryDelay   time.Duration `yaml:"dispatch_retry_delay"`
	DispatchMaxRetries   int           `yaml:"dispatch_max_retries"`
	ExecutionRetryBase   time.Duration `yaml:"execution_retry_base"`
	ExecutionMaxRetries  int           `yaml:"execution_max_retries"`
	DefaultTimeoutMin    int           `yaml:"default_timeout_minutes"`
	TimeoutCheckInterval time.Duration `yaml:"timeout_check_interval"`
	ReconcileInterval    time.Duration `yaml:"reconcile_interval"`
	RetentionDays        int           `yaml:"retention_days"`
	RetentionInterval    time.Duration `yaml:"retention_interval"`
	ActiveWindow         time.Duration `yaml:"active_window"`
	RaceWindow           time.Duration `yaml:"race_window"`
}

type Sandbox struct {
	Image       string        `yaml:"image"`
	MemoryMB    int64         `yaml:"memory_mb"`
	CPULimit    float64       `yaml:"cpu_limit"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type Cluster struct {
	Namespace     string `yaml:"namespace"`
	AnalysisImage string `yaml:"analysis_image"`
	SandboxImage  string `yaml:"sandbox_image"`
	ResultsDir    string `yaml:"results_dir"`
	ResultsClaim  string `yaml:"results_claim"`
	CallbackURL   string `yaml:"callback_url"`
	TokenSecret   string `yaml:"token_secret"`
	Kubeconfig    string `yaml:"kubeconfig"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Database: Database{
			Driver:     "postgres",
			Host:       "localhost",
			Port:       "5432",
			SSLMode:    "require",
			SQLitePath: "analysisqueue.db",
		},
		API: API{
			Port:    "8080",
			BaseURL: "http://localhost:8080",
		},
		Scheduler: Scheduler{
			Backend:              BackendLocal,
			PollingInterval:      5 * time.Second,
			DispatchRetryDelay:   30 * time.Second,
			DispatchMaxRetries:   120,
			ExecutionRetryBase:   60 * time.Second,
			ExecutionMaxRetries:  1,
			DefaultTimeoutMin:    30,
			TimeoutCheckInterval: 60 * time.Second,
			ReconcileInterval:    5 * time.Minute,
			RetentionDays:        7,
			RetentionInterval:    time.Hour,
			ActiveWindow:         24 * time.Hour,
			RaceWindow:           time.Minute,
		},
		Sandbox: Sandbox{
			Image:       "docker.io/pakaremon/dynamic-analysis:latest",
			MemoryMB:    4096,
			CPULimit:    2,
			IdleTimeout: 5 * time.Minute,
		},
		Cluster: Cluster{
			Namespace:     "packamal",
			AnalysisImage: "packamal-go-worker-analysis:local",
			SandboxImage:  "docker.io/pakaremon/dynamic-analysis",
			ResultsDir:    "/results",
			ResultsClaim:  "analysis-results-pvc",
			CallbackURL:   "http://backend:8080/internal/callback/done",
			TokenSecret:   "packamal-secrets",
		},
	}
}

// Load reads .env (if present), the YAML file named by CONFIG_FILE (if set),
// then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Log(fmt.Sprintf("Warning: failed to load .env: %v", err), slog.LevelWarn)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("DB_DRIVER", &c.Database.Driver)
	str("DB_USER", &c.Database.User)
	str("DB_PASSWORD", &c.Database.Password)
	str("DB_NAME", &c.Database.Name)
	str("DB_HOST", &c.Database.Host)
	str("DB_PORT", &c.Database.Port)
	str("DB_SSLMODE", &c.Database.SSLMode)
	str("SQLITE_PATH", &c.Database.SQLitePath)

	str("API_PORT", &c.API.Port)
	str("BASE_URL", &c.API.BaseURL)
	str("INTERNAL_API_TOKEN", &c.API.InternalToken)

	str("EXECUTION_BACKEND", &c.Scheduler.Backend)
	dur("POLLING_INTERVAL", &c.Scheduler.PollingInterval)
	dur("DISPATCH_RETRY_DELAY", &c.Scheduler.DispatchRetryDelay)
	num("DISPATCH_MAX_RETRIES", &c.Scheduler.DispatchMaxRetries)
	dur("EXECUTION_RETRY_BASE", &c.Scheduler.ExecutionRetryBase)
	num("EXECUTION_MAX_RETRIES", &c.Scheduler.ExecutionMaxRetries)
	num("DEFAULT_TIMEOUT_MINUTES", &c.Scheduler.DefaultTimeoutMin)
	dur("TIMEOUT_CHECK_INTERVAL", &c.Scheduler.TimeoutCheckInterval)
	dur("RECONCILE_INTERVAL", &c.Scheduler.ReconcileInterval)
	num("RETENTION_DAYS", &c.Scheduler.RetentionDays)
	dur("RETENTION_INTERVAL", &c.Scheduler.RetentionInterval)
	dur("ACTIVE_WINDOW", &c.Scheduler.ActiveWindow)
	dur("RACE_WINDOW", &c.Scheduler.RaceWindow)

	str("SANDBOX_IMAGE", &c.Sandbox.Image)
	if v := strings.TrimSpace(getenv("CONTAINER_MEMORY_MB")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CONTAINER_MEMORY_MB: %w", err))
		} else {
			c.Sandbox.MemoryMB = n
		}
	}
	if v := strings.TrimSpace(getenv("CONTAINER_CPU_LIMIT")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CONTAINER_CPU_LIMIT: %w", err))
		} else {
			c.Sandbox.CPULimit = f
		}
	}
	dur("CONTAINER_IDLE_TIMEOUT", &c.Sandbox.IdleTimeout)

	str("K8S_NAMESPACE", &c.Cluster.Namespace)
	str("ANALYSIS_IMAGE", &c.Cluster.AnalysisImage)
	str("SANDBOX_DYNAMIC_ANALYSIS_IMAGE", &c.Cluster.SandboxImage)
	str("RESULTS_DIR", &c.Cluster.ResultsDir)
	str("RESULTS_CLAIM", &c.Cluster.ResultsClaim)
	str("CALLBACK_URL", &c.Cluster.CallbackURL)
	str("TOKEN_SECRET", &c.Cluster.TokenSecret)
	str("KUBECONFIG", &c.Cluster.Kubeconfig)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("30s", "5m") and bare seconds ("30"),
// the form POLLING_INTERVAL used to take.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.Database.Driver))
	}
	switch c.Scheduler.Backend {
	case BackendLocal, BackendCluster:
	default:
		errs = append(errs, fmt.Errorf("EXECUTION_BACKEND must be local or cluster, got %q", c.Scheduler.Backend))
	}
	if c.Scheduler.DispatchMaxRetries < 0 || c.Scheduler.ExecutionMaxRetries < 0 {
		errs = append(errs, errors.New("retry bounds must not be negative"))
	}
	if c.Scheduler.DefaultTimeoutMin <= 0 {
		errs = append(errs, errors.New("DEFAULT_TIMEOUT_MINUTES must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"POLLING_INTERVAL":       c.Scheduler.PollingInterval,
		"TIMEOUT_CHECK_INTERVAL": c.Scheduler.TimeoutCheckInterval,
		"RECONCILE_INTERVAL":     c.Scheduler.ReconcileInterval,
		"RETENTION_INTERVAL":     c.Scheduler.RetentionInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// PostgresDSN is the lib/pq connection string.
func (d Database) PostgresDSN() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		d.User, d.Password, d.Name, d.Host, d.Port, d.SSLMode)
}
