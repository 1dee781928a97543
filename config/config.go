// Package config loads claimflow settings from an optional YAML file and the
// environment. Environment variables win over the file, the file wins over
// the defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"claimflow/access"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	SLA       SLAConfig       `yaml:"sla"`
	Routing   RoutingConfig   `yaml:"routing"`
	Policy    PolicyConfig    `yaml:"policy"`
	Documents DocumentsConfig `yaml:"documents"`
	Converter ConverterConfig `yaml:"converter"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	LogLevel  string          `yaml:"log_level"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type SLAConfig struct {
	// TimeZone is the IANA zone whose calendar dates count toward deadlines.
	TimeZone string `yaml:"time_zone"`
}

type RoutingConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type PolicyConfig struct {
	// Roles replaces or adds role capability sets, e.g. {"quality_reviewer": ["approve"]}.
	Roles                map[string][]string `yaml:"roles"`
	AllowAdminResnapshot bool                `yaml:"allow_admin_resnapshot"`
}

type DocumentsConfig struct {
	Backend  string `yaml:"backend"` // "s3" or "file"
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
	MaxSize  int64  `yaml:"max_size"`
}

type ConverterConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Rate    float64       `yaml:"rate"`
	Burst   int           `yaml:"burst"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

type OutboxConfig struct {
	BatchSize   int           `yaml:"batch_size"`
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MaxConnLifetime: time.Hour,
		},
		Auth: AuthConfig{Issuer: "claimflow"},
		SLA:  SLAConfig{TimeZone: "UTC"},
		Routing: RoutingConfig{
			CacheTTL: 30 * time.Second,
		},
		Documents: DocumentsConfig{
			Backend: "file",
			Dir:     "data/documents",
			MaxSize: 10 << 20,
		},
		Converter: ConverterConfig{
			Timeout: 20 * time.Second,
			Rate:    2,
			Burst:   4,
		},
		Kafka: KafkaConfig{
			Brokers:     []string{"localhost:9092"},
			TopicPrefix: "",
		},
		Outbox: OutboxConfig{
			BatchSize:   100,
			Interval:    time.Second,
			MaxAttempts: 5,
		},
		LogLevel: "info",
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error; an empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("CLAIMFLOW_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CLAIMFLOW_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("CLAIMFLOW_TIMEZONE"); v != "" {
		cfg.SLA.TimeZone = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("CLAIMFLOW_DOCUMENTS_BACKEND"); v != "" {
		cfg.Documents.Backend = v
	}
	if v := os.Getenv("CLAIMFLOW_DOCUMENTS_DIR"); v != "" {
		cfg.Documents.Dir = v
	}
	if v := os.Getenv("CLAIMFLOW_DOCUMENTS_BUCKET"); v != "" {
		cfg.Documents.Bucket = v
	}
	if v := os.Getenv("CLAIMFLOW_DOCUMENTS_REGION"); v != "" {
		cfg.Documents.Region = v
	}
	if v := os.Getenv("CLAIMFLOW_DOCUMENTS_ENDPOINT"); v != "" {
		cfg.Documents.Endpoint = v
	}
	if v := os.Getenv("CLAIMFLOW_CONVERTER_URL"); v != "" {
		cfg.Converter.URL = v
	}
}

// Validate checks settings that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Documents.Backend {
	case "file":
		if c.Documents.Dir == "" {
			return errors.New("config: documents.dir is required for the file backend")
		}
	case "s3":
		if c.Documents.Bucket == "" {
			return errors.New("config: documents.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config: unknown documents backend %q", c.Documents.Backend)
	}
	if _, err := c.RoleTable(); err != nil {
		return err
	}
	return nil
}

// Location resolves the SLA time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.SLA.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("config: sla.time_zone: %w", err)
	}
	return loc, nil
}

// RoleTable merges the configured role overrides into the default table.
func (c *Config) RoleTable() (map[access.Role]access.Capabilities, error) {
	table := access.DefaultCapabilities()
	for name, caps := range c.Policy.Roles {
		set, err := access.ParseCapabilities(caps)
		if err != nil {
			return nil, fmt.Errorf("config: policy.roles.%s: %w", name, err)
		}
		table[access.CanonicalRole(name)] = set
	}
	return table, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
