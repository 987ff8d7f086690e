// Package config loads connector settings from an optional YAML file with
// environment-variable overrides, and resolves per-integration action
// configuration (auth, pull, process) for the pipeline.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv = "ATS_CONNECTOR_CONFIG"

	defaultListenAddr  = ":8080"
	defaultMetricsPort = "9000"
	defaultRedisAddr   = "localhost:6379"
	defaultBucket      = "ats-staging"
	defaultBatchSize   = 200
)

// ErrConfigurationNotFound flags a missing integration or action block.
// It is fatal for the run and never retried: an operator has to fix the
// integration setup.
var ErrConfigurationNotFound = errors.New("configuration not found")

type Config struct {
	ListenAddr   string        `yaml:"listenAddr"`
	MetricsPort  string        `yaml:"metricsPort"`
	Redis        RedisConfig   `yaml:"redis"`
	Blob         BlobConfig    `yaml:"blob"`
	Sensors      SensorsConfig `yaml:"sensors"`
	Integrations []Integration `yaml:"integrations"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// BlobConfig describes the object-storage endpoint holding staged payloads.
type BlobConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
}

// SensorsConfig describes the downstream observation-ingestion API.
type SensorsConfig struct {
	BaseURL string `yaml:"baseUrl"`
	APIKey  string `yaml:"apiKey"`
}

// Integration is one ATS account wired into the connector, with optional
// per-action configuration blocks.
type Integration struct {
	ID                  string         `yaml:"id"`
	Auth                *AuthConfig    `yaml:"auth"`
	PullObservations    *PullConfig    `yaml:"pullObservations"`
	ProcessObservations *ProcessConfig `yaml:"processObservations"`
}

// AuthConfig carries the vendor credentials for one integration.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PullConfig carries the vendor endpoints for one integration.
type PullConfig struct {
	DataEndpoint          string `yaml:"dataEndpoint"`
	TransmissionsEndpoint string `yaml:"transmissionsEndpoint"`
}

// ProcessConfig tunes observation processing.
type ProcessConfig struct {
	ObservationsPerRequest int `yaml:"observationsPerRequest"`
}

// Load reads YAML configuration (if present) and applies environment
// overrides.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:  defaultListenAddr,
		MetricsPort: defaultMetricsPort,
		Redis:       RedisConfig{Addr: defaultRedisAddr},
		Blob:        BlobConfig{Bucket: defaultBucket},
	}

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsPort = getEnv("METRICS_PORT", cfg.MetricsPort)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Blob.Endpoint = getEnv("BLOB_ENDPOINT", cfg.Blob.Endpoint)
	cfg.Blob.AccessKey = getEnv("BLOB_ACCESS_KEY", cfg.Blob.AccessKey)
	cfg.Blob.SecretKey = getEnv("BLOB_SECRET_KEY", cfg.Blob.SecretKey)
	cfg.Blob.Bucket = getEnv("BLOB_BUCKET", cfg.Blob.Bucket)
	cfg.Sensors.BaseURL = getEnv("SENSORS_API_URL", cfg.Sensors.BaseURL)
	cfg.Sensors.APIKey = getEnv("SENSORS_API_KEY", cfg.Sensors.APIKey)

	return cfg, nil
}

// Integration resolves an integration block by id.
func (c Config) Integration(id string) (Integration, error) {
	for _, it := range c.Integrations {
		if it.ID == id {
			return it, nil
		}
	}
	return Integration{}, fmt.Errorf("integration %s: %w", id, ErrConfigurationNotFound)
}

// AuthConfig resolves the credentials block, required for every action.
func (i Integration) AuthConfig() (AuthConfig, error) {
	if i.Auth == nil {
		return AuthConfig{}, fmt.Errorf(
			"Authentication settings for integration %s are missing. Please fix the integration setup in the portal: %w",
			i.ID, ErrConfigurationNotFound)
	}
	return *i.Auth, nil
}

// PullConfig resolves the pull-observations block.
func (i Integration) PullConfig() (PullConfig, error) {
	if i.PullObservations == nil {
		return PullConfig{}, fmt.Errorf(
			"Pull settings for integration %s are missing. Please fix the integration setup in the portal: %w",
			i.ID, ErrConfigurationNotFound)
	}
	return *i.PullObservations, nil
}

// ProcessConfig resolves processing settings, falling back to defaults
// when the block is absent.
func (i Integration) ProcessConfig() ProcessConfig {
	cfg := ProcessConfig{ObservationsPerRequest: defaultBatchSize}
	if i.ProcessObservations != nil && i.ProcessObservations.ObservationsPerRequest > 0 {
		cfg.ObservationsPerRequest = i.ProcessObservations.ObservationsPerRequest
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}
