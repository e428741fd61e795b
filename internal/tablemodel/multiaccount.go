package tablemodel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/session"
)

// AccountConfig describes a partner account reached by assuming a role.
type AccountConfig struct {
	RoleARN    string `yaml:"role_arn"`
	ExternalID string `yaml:"external_id"`
	// Region defaults to the region of the base configuration.
	Region string `yaml:"region"`
	// TablePrefix replaces the base prefix for this partner when set.
	TablePrefix     string        `yaml:"table_prefix"`
	SessionDuration time.Duration `yaml:"session_duration"`
}

// MultiAccountDB routes operations to per-partner DBs that assume a role in the
// partner's account. Partner DBs are built on first use and shared afterwards;
// their credentials refresh through the SDK credentials cache.
type MultiAccountDB struct {
	base     *DB
	config   session.Config
	options  []Option
	accounts map[string]AccountConfig
	dbs      map[string]*DB
	newDB    func(*session.Config, ...Option) (*DB, error)
	mu       sync.RWMutex
}

// NewMultiAccount creates a multi-account DB whose base DB uses cfg.
func NewMultiAccount(cfg *session.Config, accounts map[string]AccountConfig, opts ...Option) (*MultiAccountDB, error) {
	if cfg == nil {
		cfg = session.DefaultConfig()
	}
	base, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	mdb := &MultiAccountDB{
		base:     base,
		config:   *cfg,
		options:  opts,
		accounts: make(map[string]AccountConfig, len(accounts)),
		dbs:      make(map[string]*DB),
		newDB:    New,
	}
	for id, account := range accounts {
		if err := mdb.AddPartner(id, account); err != nil {
			return nil, err
		}
	}
	return mdb, nil
}

// Base returns the DB of the caller's own account.
func (mdb *MultiAccountDB) Base() *DB { return mdb.base }

// Partner returns the DB for partnerID. An empty id returns the base DB.
func (mdb *MultiAccountDB) Partner(partnerID string) (*DB, error) {
	if partnerID == "" {
		return mdb.base, nil
	}

	mdb.mu.RLock()
	db, cached := mdb.dbs[partnerID]
	account, known := mdb.accounts[partnerID]
	mdb.mu.RUnlock()
	if cached {
		return db, nil
	}
	if !known {
		return nil, fmt.Errorf("unknown partner: %s", sanitizePartnerID(partnerID))
	}

	mdb.mu.Lock()
	defer mdb.mu.Unlock()
	if db, ok := mdb.dbs[partnerID]; ok {
		return db, nil
	}

	cfg := mdb.config
	cfg.AssumeRoleARN = account.RoleARN
	cfg.ExternalID = account.ExternalID
	cfg.AssumeRoleDuration = account.SessionDuration
	cfg.SessionName = roleSessionName(partnerID)
	if account.Region != "" {
		cfg.Region = account.Region
	}
	if account.TablePrefix != "" {
		cfg.TablePrefix = account.TablePrefix
	}

	db, err := mdb.newDB(&cfg, mdb.options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create partner DB for %s: %w", sanitizePartnerID(partnerID), err)
	}
	mdb.dbs[partnerID] = db
	mdb.base.logger.Debug("partner db created",
		zap.String("partner", sanitizePartnerID(partnerID)),
		zap.String("region", cfg.Region))
	return db, nil
}

// FromContext returns the DB of the partner carried by ctx, bound to ctx.
func (mdb *MultiAccountDB) FromContext(ctx context.Context) (*DB, error) {
	db, err := mdb.Partner(GetPartnerFromContext(ctx))
	if err != nil {
		return nil, err
	}
	return db.WithContext(ctx), nil
}

// AddPartner registers or replaces a partner account. A replaced partner's DB is
// rebuilt on next use.
func (mdb *MultiAccountDB) AddPartner(partnerID string, account AccountConfig) error {
	if partnerID == "" {
		return fmt.Errorf("%w: partner id cannot be empty", errors.ErrInvalidConfig)
	}
	if account.RoleARN == "" {
		return fmt.Errorf("%w: partner %s needs a role_arn", errors.ErrInvalidConfig, sanitizePartnerID(partnerID))
	}
	mdb.mu.Lock()
	defer mdb.mu.Unlock()
	mdb.accounts[partnerID] = account
	delete(mdb.dbs, partnerID)
	return nil
}

// RemovePartner removes a partner and drops its DB.
func (mdb *MultiAccountDB) RemovePartner(partnerID string) {
	mdb.mu.Lock()
	defer mdb.mu.Unlock()
	delete(mdb.accounts, partnerID)
	delete(mdb.dbs, partnerID)
}

// Close closes the base DB and every partner DB.
func (mdb *MultiAccountDB) Close() error {
	mdb.mu.Lock()
	defer mdb.mu.Unlock()
	for id, db := range mdb.dbs {
		_ = db.Close()
		delete(mdb.dbs, id)
	}
	return mdb.base.Close()
}

type partnerContextKey struct{}

// PartnerContext adds partner information to context for tracing
func PartnerContext(ctx context.Context, partnerID string) context.Context {
	return context.WithValue(ctx, partnerContextKey{}, partnerID)
}

// GetPartnerFromContext retrieves partner ID from context
func GetPartnerFromContext(ctx context.Context) string {
	if partnerID, ok := ctx.Value(partnerContextKey{}).(string); ok {
		return partnerID
	}
	return ""
}

// sanitizePartnerID masks account ids and ARNs so partner ids can be logged.
func sanitizePartnerID(partnerID string) string {
	if partnerID == "" {
		return "[empty]"
	}
	if len(partnerID) == 12 && isNumeric(partnerID) {
		return partnerID[:4] + "****" + partnerID[8:]
	}
	if strings.Contains(strings.ToLower(partnerID), "arn:aws") {
		return "[masked_arn]"
	}

	cleaned := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			return r
		}
		return -1
	}, partnerID)
	if len(cleaned) > 20 {
		return cleaned[:20] + "..."
	}
	return cleaned
}

const maxRoleSessionName = 64

// roleSessionName builds an STS RoleSessionName for partnerID. STS accepts
// [\w+=,.@-]{2,64}; other characters are dropped.
func roleSessionName(partnerID string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case strings.ContainsRune("_+=,.@-", r):
			return r
		}
		return -1
	}, partnerID)
	name := "tablemodel-" + cleaned
	if len(name) > maxRoleSessionName {
		name = name[:maxRoleSessionName]
	}
	return name
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
