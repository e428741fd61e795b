package tablemodel

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/pkg/session"
)

const defaultLambdaTimeoutBuffer = 500 * time.Millisecond

var (
	// Global Lambda DB, reused across warm invocations
	lambdaDB    *DB
	lambdaErr   error
	lambdaOnce  sync.Once
	lambdaNewDB = New
)

// WithLambdaTimeout returns a DB bound to ctx whose operations fail fast once the
// Lambda deadline, minus the timeout buffer, has passed.
func (db *DB) WithLambdaTimeout(ctx context.Context) *DB {
	deadline, ok := ctx.Deadline()
	if !ok {
		return db.WithContext(ctx)
	}

	buffer := db.lambdaTimeoutBuffer
	if buffer == 0 {
		buffer = defaultLambdaTimeoutBuffer
	}

	clone := *db
	clone.ctx = ctx
	clone.lambdaDeadline = deadline.Add(-buffer)
	return &clone
}

// WithLambdaTimeoutBuffer returns a DB that reserves buffer before the Lambda
// deadline for cleanup.
func (db *DB) WithLambdaTimeoutBuffer(buffer time.Duration) *DB {
	clone := *db
	clone.lambdaTimeoutBuffer = buffer
	return &clone
}

// LambdaDeadline returns the adjusted deadline, zero when none is set.
func (db *DB) LambdaDeadline() time.Time { return db.lambdaDeadline }

func (db *DB) checkLambdaTimeout() error {
	if db.lambdaDeadline.IsZero() {
		return nil
	}
	if remaining := time.Until(db.lambdaDeadline); remaining <= 0 {
		return fmt.Errorf("lambda timeout exceeded: %w", context.DeadlineExceeded)
	}
	return nil
}

// LambdaInit builds the process-wide DB once and registers models on it. Call it
// from init() of a Lambda handler so warm invocations reuse the client.
func LambdaInit(models ...any) (*DB, error) {
	lambdaOnce.Do(func() {
		var cfg *session.Config
		cfg, lambdaErr = LambdaConfig()
		if lambdaErr != nil {
			return
		}
		var db *DB
		db, lambdaErr = lambdaNewDB(cfg)
		if lambdaErr != nil {
			return
		}
		lambdaDB = db.WithLambdaTimeoutBuffer(TimeoutBufferForMemory(GetLambdaMemoryMB()))
		lambdaDB.logger.Debug("lambda db initialized",
			zap.Bool("lambda", IsLambdaEnvironment()),
			zap.Int("memory_mb", GetLambdaMemoryMB()))
	})
	if lambdaErr != nil {
		return nil, lambdaErr
	}
	if err := lambdaDB.Register(models...); err != nil {
		return nil, err
	}
	return lambdaDB, nil
}

// LambdaConfig returns the default configuration with the function's region and
// TABLEMODEL_* overrides applied.
func LambdaConfig() (*session.Config, error) {
	cfg := session.DefaultConfig()
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.Region = region
	}
	if IsLambdaEnvironment() {
		cfg.RequestTimeout = 5 * time.Second
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TimeoutBufferForMemory scales the timeout buffer with the memory, and so the
// CPU share, of the function.
func TimeoutBufferForMemory(memoryMB int) time.Duration {
	switch {
	case memoryMB <= 0:
		return defaultLambdaTimeoutBuffer
	case memoryMB >= 2048:
		return 50 * time.Millisecond
	case memoryMB <= 512:
		return 200 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

// IsLambdaEnvironment detects if running in AWS Lambda
func IsLambdaEnvironment() bool {
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}

// GetLambdaMemoryMB returns the allocated memory in MB
func GetLambdaMemoryMB() int {
	mem, err := strconv.Atoi(os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE"))
	if err != nil {
		return 0
	}
	return mem
}

// GetRemainingTimeMillis returns milliseconds until the deadline of ctx, or -1
// without one.
func GetRemainingTimeMillis(ctx context.Context) int64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return -1
	}
	return time.Until(deadline).Milliseconds()
}
