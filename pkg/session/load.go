package session

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/theory-cloud/tablemodel/pkg/errors"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "TABLEMODEL_"

// LoadConfig reads a YAML configuration file on top of DefaultConfig and applies
// environment overrides. The result is validated.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", errors.ErrInvalidConfig, path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from TABLEMODEL_* environment variables. Unset
// variables leave the current value alone.
func (c *Config) ApplyEnv() error {
	text := map[string]*string{
		"REGION":            &c.Region,
		"ENDPOINT":          &c.Endpoint,
		"PROFILE":           &c.Profile,
		"ACCESS_KEY_ID":     &c.AccessKeyID,
		"SECRET_ACCESS_KEY": &c.SecretAccessKey,
		"SESSION_TOKEN":     &c.SessionToken,
		"ASSUME_ROLE_ARN":   &c.AssumeRoleARN,
		"EXTERNAL_ID":       &c.ExternalID,
		"SESSION_NAME":      &c.SessionName,
		"TABLE_PREFIX":      &c.TablePrefix,
		"BILLING_MODE":      &c.BillingMode,
	}
	for name, field := range text {
		if value, ok := os.LookupEnv(EnvPrefix + name); ok {
			*field = value
		}
	}

	if value, ok := os.LookupEnv(EnvPrefix + "MAX_RETRIES"); ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			return envError("MAX_RETRIES", err)
		}
		c.MaxRetries = n
	}
	for name, field := range map[string]*int64{"DEFAULT_RCU": &c.DefaultRCU, "DEFAULT_WCU": &c.DefaultWCU} {
		if value, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return envError(name, err)
			}
			*field = n
		}
	}
	if value, ok := os.LookupEnv(EnvPrefix + "REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return envError("REQUEST_TIMEOUT", err)
		}
		c.RequestTimeout = d
	}
	if value, ok := os.LookupEnv(EnvPrefix + "BATCH_REQUEST_RATE"); ok {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return envError("BATCH_REQUEST_RATE", err)
		}
		c.BatchRequestRate = f
	}
	if value, ok := os.LookupEnv(EnvPrefix + "CONSISTENT_READS"); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return envError("CONSISTENT_READS", err)
		}
		c.ConsistentReads = b
	}
	return nil
}

func envError(name string, err error) error {
	return fmt.Errorf("%w: %s%s: %w", errors.ErrInvalidConfig, EnvPrefix, name, err)
}
