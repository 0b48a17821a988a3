package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr  string              `json:"listen_addr" yaml:"listen_addr"`
	Database    DatabaseConfig      `json:"database" yaml:"database"`
	Auth        AuthConfig          `json:"auth" yaml:"auth"`
	Security    SecurityConfig      `json:"security" yaml:"security"`
	Target      TargetConfig        `json:"target" yaml:"target"`
	Classifiers ClassifiersConfig   `json:"classifiers" yaml:"classifiers"`
	Scan        ScanConfig          `json:"scan" yaml:"scan"`
	Observer    ObservabilityConfig `json:"observability" yaml:"observability"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

// TargetConfig supplies defaults for outbound calls to models under test.
// Per-run requests may override the endpoint, model and key.
type TargetConfig struct {
	Endpoint       string `json:"endpoint" yaml:"endpoint"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	CallTimeoutSec int    `json:"call_timeout_sec" yaml:"call_timeout_sec"`
	MaxAttempts    int    `json:"max_attempts" yaml:"max_attempts"`
}

type ClassifiersConfig struct {
	CallTimeoutSec int                `json:"call_timeout_sec" yaml:"call_timeout_sec"`
	Heuristic      HeuristicConfig    `json:"heuristic" yaml:"heuristic"`
	Probe          ProbeHarnessConfig `json:"probe" yaml:"probe"`
	Safety         SafetyModelConfig  `json:"safety" yaml:"safety"`
	Judge          JudgeModelConfig   `json:"judge" yaml:"judge"`
}

type HeuristicConfig struct {
	Disabled bool `json:"disabled" yaml:"disabled"`
}

type ProbeHarnessConfig struct {
	URL string `json:"url" yaml:"url"`
}

type SafetyModelConfig struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	Model    string `json:"model" yaml:"model"`
}

type JudgeModelConfig struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	Model    string `json:"model" yaml:"model"`
}

type ScanConfig struct {
	CatalogPath       string `json:"catalog_path" yaml:"catalog_path"`
	MaxParallelRuns   int    `json:"max_parallel_runs" yaml:"max_parallel_runs"`
	CaseConcurrency   int    `json:"case_concurrency" yaml:"case_concurrency"`
	DefaultTimeoutSec int    `json:"default_timeout_sec" yaml:"default_timeout_sec"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "guardscan_session",
		},
		Target: TargetConfig{
			CallTimeoutSec: 60,
			MaxAttempts:    3,
		},
		Classifiers: ClassifiersConfig{
			CallTimeoutSec: 30,
		},
		Scan: ScanConfig{
			CatalogPath:       "./payloads.yml",
			MaxParallelRuns:   2,
			CaseConcurrency:   4,
			DefaultTimeoutSec: 900,
		},
		Observer: ObservabilityConfig{
			ServiceName: "scan-api",
			SampleRatio: 1,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "guardscan_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if cfg.Target.CallTimeoutSec <= 0 {
		cfg.Target.CallTimeoutSec = 60
	}
	if cfg.Target.MaxAttempts <= 0 {
		cfg.Target.MaxAttempts = 3
	}
	if cfg.Classifiers.CallTimeoutSec <= 0 {
		cfg.Classifiers.CallTimeoutSec = 30
	}
	if strings.TrimSpace(cfg.Scan.CatalogPath) == "" {
		cfg.Scan.CatalogPath = "./payloads.yml"
	}
	if cfg.Scan.MaxParallelRuns <= 0 {
		cfg.Scan.MaxParallelRuns = 2
	}
	if cfg.Scan.CaseConcurrency <= 0 {
		cfg.Scan.CaseConcurrency = 4
	}
	if cfg.Scan.DefaultTimeoutSec <= 0 {
		cfg.Scan.DefaultTimeoutSec = 900
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "scan-api"
	}
}
