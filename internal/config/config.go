// Package config loads bgp-ribout's runtime configuration the way the
// wider pipeline does: a YAML file overlaid with environment
// variables, via koanf.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service    ServiceConfig    `koanf:"service"`
	Postgres   PostgresConfig   `koanf:"postgres"`
	Kafka      KafkaConfig      `koanf:"kafka"`
	RibOut     RibOutConfig     `koanf:"ribout"`
	Scheduling SchedulingConfig `koanf:"scheduling"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type KafkaConfig struct {
	Brokers     []string   `koanf:"brokers"`
	ClientID    string     `koanf:"client_id"`
	TopicPrefix string     `koanf:"topic_prefix"`
	TLS         TLSConfig  `koanf:"tls"`
	SASL        SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// RibOutConfig sizes the route table and the per-prefix update
// pipeline sitting on top of it.
type RibOutConfig struct {
	Partitions          int `koanf:"partitions"`
	BulkCreditRatio     int `koanf:"bulk_credit_ratio"`
	MaxPrefixesPerUpdate int `koanf:"max_prefixes_per_update"`
}

// SchedulingConfig bounds the cooperative task scheduler's concurrency.
type SchedulingConfig struct {
	MaxPartitionConcurrency int64 `koanf:"max_partition_concurrency"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGP_RIBOUT_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("BGP_RIBOUT_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGP_RIBOUT_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "bgp-ribout-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Kafka: KafkaConfig{
			ClientID:    "bgp-ribout",
			TopicPrefix: "bgp.ribout.peer.",
		},
		RibOut: RibOutConfig{
			Partitions:           16,
			BulkCreditRatio:      16,
			MaxPrefixesPerUpdate: 400,
		},
		Scheduling: SchedulingConfig{
			MaxPartitionConcurrency: 8,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.RibOut.Partitions <= 0 {
		return fmt.Errorf("config: ribout.partitions must be > 0 (got %d)", c.RibOut.Partitions)
	}
	if c.RibOut.BulkCreditRatio <= 0 {
		return fmt.Errorf("config: ribout.bulk_credit_ratio must be > 0 (got %d)", c.RibOut.BulkCreditRatio)
	}
	if c.RibOut.MaxPrefixesPerUpdate <= 0 {
		return fmt.Errorf("config: ribout.max_prefixes_per_update must be > 0 (got %d)", c.RibOut.MaxPrefixesPerUpdate)
	}
	if c.Scheduling.MaxPartitionConcurrency <= 0 {
		return fmt.Errorf("config: scheduling.max_partition_concurrency must be > 0 (got %d)", c.Scheduling.MaxPartitionConcurrency)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
