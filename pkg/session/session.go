// Package session provides AWS session management and DynamoDB client configuration
package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/pkg/core"
	"github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/interfaces"
)

// configLoadFunc is a variable to allow mocking config.LoadDefaultConfig in tests
var configLoadFunc = config.LoadDefaultConfig

const defaultRequestTimeout = 30 * time.Second

// Config holds the configuration for tablemodel
type Config struct {
	// Client replaces the SDK client, mostly for tests. AWS config is not loaded
	// when it is set.
	Client              interfaces.DynamoDBAPI            `yaml:"-"`
	CredentialsProvider aws.CredentialsProvider           `yaml:"-"`
	Logger              *zap.Logger                       `yaml:"-"`
	BatchRetry          *core.RetryPolicy                 `yaml:"batch_retry"`
	AWSConfigOptions    []func(*config.LoadOptions) error `yaml:"-"`
	DynamoDBOptions     []func(*dynamodb.Options)         `yaml:"-"`

	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	AssumeRoleARN   string `yaml:"assume_role_arn"`
	ExternalID      string `yaml:"external_id"`
	SessionName     string `yaml:"session_name"`
	TablePrefix     string `yaml:"table_prefix"`

	// AssumeRoleDuration is the lifetime of assumed-role credentials; zero keeps
	// the STS default of one hour.
	AssumeRoleDuration time.Duration `yaml:"assume_role_duration"`

	// BillingMode applies to tables created by the schema manager: PAY_PER_REQUEST
	// (default) or PROVISIONED with DefaultRCU and DefaultWCU.
	BillingMode     string        `yaml:"billing_mode"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	DefaultRCU      int64         `yaml:"default_rcu"`
	DefaultWCU      int64         `yaml:"default_wcu"`
	ConsistentReads bool          `yaml:"consistent_reads"`

	// BatchRequestRate caps batch requests per second across the DB; zero
	// leaves them unthrottled. BatchRequestBurst defaults to the rate.
	BatchRequestRate  float64 `yaml:"batch_request_rate"`
	BatchRequestBurst int     `yaml:"batch_request_burst"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		MaxRetries:     3,
		DefaultRCU:     5,
		DefaultWCU:     5,
		RequestTimeout: defaultRequestTimeout,
		BillingMode:    string(types.BillingModePayPerRequest),
		BatchRetry:     core.DefaultRetryPolicy(),
	}
}

// Validate reports the first unusable setting, wrapping errors.ErrInvalidConfig.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.MaxRetries < 0 {
		return invalid("max_retries must not be negative")
	}
	if c.RequestTimeout < 0 {
		return invalid("request_timeout must not be negative")
	}
	switch c.BillingMode {
	case "", string(types.BillingModePayPerRequest):
	case string(types.BillingModeProvisioned):
		if c.DefaultRCU <= 0 || c.DefaultWCU <= 0 {
			return invalid("provisioned billing needs positive default_rcu and default_wcu")
		}
	default:
		return invalid("unknown billing_mode %q", c.BillingMode)
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return invalid("access_key_id and secret_access_key must be set together")
	}
	if c.BatchRequestRate < 0 || c.BatchRequestBurst < 0 {
		return invalid("batch_request_rate and batch_request_burst must not be negative")
	}
	if c.AssumeRoleDuration < 0 {
		return invalid("assume_role_duration must not be negative")
	}
	if c.ExternalID != "" && c.AssumeRoleARN == "" {
		return invalid("external_id requires assume_role_arn")
	}
	if p := c.BatchRetry; p != nil {
		if p.MaxRetries < 0 || p.InitialDelay < 0 || p.MaxDelay < 0 {
			return invalid("batch_retry values must not be negative")
		}
		if p.Jitter < 0 || p.Jitter > 1 {
			return invalid("batch_retry jitter must be between 0 and 1")
		}
	}
	return nil
}

// Session manages the AWS session and DynamoDB client
type Session struct {
	config    *Config
	client    interfaces.DynamoDBAPI
	logger    *zap.Logger
	awsConfig aws.Config
}

// NewSession creates a new session with the given configuration
func NewSession(ctx context.Context, cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Client != nil {
		return &Session{config: cfg, client: cfg.Client, logger: logger}, nil
	}

	maxAttempts := cfg.MaxRetries + 1
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := &http.Client{Timeout: timeout}

	options := make([]func(*config.LoadOptions) error, 0, len(cfg.AWSConfigOptions)+6)
	if cfg.Region != "" {
		options = append(options, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		options = append(options, config.WithSharedConfigProfile(cfg.Profile))
	}
	switch {
	case cfg.CredentialsProvider != nil:
		options = append(options, config.WithCredentialsProvider(cfg.CredentialsProvider))
	case cfg.AccessKeyID != "":
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	options = append(options, config.WithRetryMode(aws.RetryModeStandard))
	options = append(options, config.WithRetryMaxAttempts(maxAttempts))
	options = append(options, config.WithHTTPClient(httpClient))
	options = append(options, cfg.AWSConfigOptions...)

	awsConfig, err := configLoadFunc(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.AssumeRoleARN != "" {
		awsConfig.Credentials = aws.NewCredentialsCache(assumeRoleProvider(awsConfig, cfg))
		logger.Debug("assuming role", zap.String("role_arn", cfg.AssumeRoleARN))
	}

	if awsConfig.Retryer == nil {
		awsConfig.Retryer = func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = maxAttempts
			})
		}
	}

	clientOptions := make([]func(*dynamodb.Options), 0, 1+len(cfg.DynamoDBOptions))
	clientOptions = append(clientOptions, func(o *dynamodb.Options) {
		o.Region = awsConfig.Region
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if o.Retryer == nil {
			o.Retryer = awsConfig.Retryer()
		}
		if o.HTTPClient == nil {
			o.HTTPClient = httpClient
		}
	})
	clientOptions = append(clientOptions, cfg.DynamoDBOptions...)

	logger.Debug("dynamodb client configured",
		zap.String("region", awsConfig.Region),
		zap.String("endpoint", cfg.Endpoint),
		zap.Int("max_attempts", maxAttempts))

	return &Session{
		config:    cfg,
		awsConfig: awsConfig,
		client:    dynamodb.NewFromConfig(awsConfig, clientOptions...),
		logger:    logger,
	}, nil
}

func assumeRoleProvider(awsConfig aws.Config, cfg *Config) *stscreds.AssumeRoleProvider {
	return stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsConfig), cfg.AssumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
		if cfg.ExternalID != "" {
			o.ExternalID = aws.String(cfg.ExternalID)
		}
		o.RoleSessionName = cfg.SessionName
		if o.RoleSessionName == "" {
			o.RoleSessionName = "tablemodel"
		}
		if cfg.AssumeRoleDuration > 0 {
			o.Duration = cfg.AssumeRoleDuration
		}
	})
}

// Client returns the DynamoDB client
func (s *Session) Client() (interfaces.DynamoDBAPI, error) {
	if s == nil {
		return nil, fmt.Errorf("session is nil")
	}
	if s.client == nil {
		return nil, fmt.Errorf("DynamoDB client is nil")
	}
	return s.client, nil
}

// Config returns the session configuration
func (s *Session) Config() *Config {
	return s.config
}

// AWSConfig returns the AWS configuration. It is zero when the client was injected.
func (s *Session) AWSConfig() aws.Config {
	return s.awsConfig
}

// Logger returns the configured logger, never nil.
func (s *Session) Logger() *zap.Logger {
	return s.logger
}
