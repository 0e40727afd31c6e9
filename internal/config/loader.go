package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from YAML and environment variables
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in YAML
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the agent cannot start with. A malformed
// app id is deliberately not rejected here: it only disables tracking.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JSONRPCURL) == "" {
		return fmt.Errorf("config: json_rpc_url is required")
	}
	switch c.Storage.Driver {
	case "file", "redis":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "redis" && c.Storage.RedisURL == "" {
		return fmt.Errorf("config: storage.redis_url is required for the redis driver")
	}
	switch c.DocStore.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown docstore driver %q", c.DocStore.Driver)
	}
	if c.DocStore.Driver == "postgres" && c.DocStore.DatabaseURL == "" {
		return fmt.Errorf("config: docstore.database_url is required for the postgres driver")
	}
	if c.Ingest.RedisRateLimit && c.Storage.RedisURL == "" {
		return fmt.Errorf("config: ingest.redis_rate_limit needs storage.redis_url")
	}
	if c.Telemetry.Kafka.Enabled && len(c.Telemetry.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: telemetry.kafka.brokers is required when kafka is enabled")
	}
	return nil
}

func overrideWithEnv(cfg *Config) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}

		envValue, exists := os.LookupEnv(envKey)
		if !exists {
			continue
		}

		fieldVal := v.Field(i)
		switch fieldVal.Kind() {
		case reflect.String:
			fieldVal.SetString(envValue)
		case reflect.Int:
			intValue, err := strconv.Atoi(envValue)
			if err != nil {
				return fmt.Errorf("config: %s: %w", envKey, err)
			}
			fieldVal.SetInt(int64(intValue))
		case reflect.Bool:
			boolValue, err := strconv.ParseBool(envValue)
			if err != nil {
				return fmt.Errorf("config: %s: %w", envKey, err)
			}
			fieldVal.SetBool(boolValue)
		case reflect.Slice:
			if field.Type.Elem().Kind() == reflect.String {
				sliceValue := strings.Split(envValue, ",")
				fieldVal.Set(reflect.ValueOf(sliceValue))
			}
		}
	}
	return nil
}
