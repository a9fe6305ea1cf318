// Package redis provides a Redis implementation of the billsync store
// interfaces. Atomic operations (conditional credit decrement, versioned
// account writes) are implemented via Lua scripts for transaction safety.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/billsync/pkg/billsync"
)

// Store implements billsync.AccountStore, billsync.CreditLedger and
// billsync.UsageSource using Redis.
type Store struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis store configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billsync:").
	KeyPrefix string

	// AccountTTL is the TTL for account keys (0 = no expiration).
	AccountTTL time.Duration

	// UsageTTL is the TTL for per-item usage entries. Entries only feed the
	// rolling monthly count, so anything beyond two months is dead weight
	// (default: 62 days).
	UsageTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "billsync:",
		UsageTTL:  62 * 24 * time.Hour,
	}
}

// New creates a new Redis store adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "billsync:"
	}
	if config.UsageTTL == 0 {
		config.UsageTTL = 62 * 24 * time.Hour
	}

	s := &Store{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations.
func (s *Store) loadScripts() {
	// Decrement a credit balance only if it is positive.
	s.scripts["decrement"] = redis.NewScript(`
		local key = KEYS[1]
		local current = tonumber(redis.call('GET', key) or '0')
		if current <= 0 then
			return {0, 'insufficient'}
		end
		local newBalance = redis.call('DECR', key)
		return {newBalance, 'ok'}
	`)

	// Write an account JSON blob guarded by a version counter.
	// ARGV: expectedVersion (-1 = unconditional), newVersion, data, ttl.
	s.scripts["casAccount"] = redis.NewScript(`
		local key = KEYS[1]
		local versionKey = KEYS[2]
		local expected = tonumber(ARGV[1])
		local newVersion = tonumber(ARGV[2])
		local data = ARGV[3]
		local ttl = tonumber(ARGV[4])

		local current = tonumber(redis.call('GET', versionKey) or '0')
		if expected >= 0 and current ~= expected then
			return {current, 'conflict'}
		end

		redis.call('SET', key, data)
		redis.call('SET', versionKey, newVersion)
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
			redis.call('EXPIRE', versionKey, ttl)
		end
		return {newVersion, 'ok'}
	`)
}

func (s *Store) accountKey(userID string) string {
	return s.config.KeyPrefix + "account:" + userID
}

func (s *Store) accountVersionKey(userID string) string {
	return s.config.KeyPrefix + "account_version:" + userID
}

func (s *Store) customerIndexKey(customerID string) string {
	return s.config.KeyPrefix + "customer:" + customerID
}

func (s *Store) creditKey(subAccountID string, kind billsync.CreditKind) string {
	return fmt.Sprintf("%scredits:%s:%s", s.config.KeyPrefix, subAccountID, kind)
}

func (s *Store) usageKey(subAccountID string, kind billsync.CreditKind) string {
	return fmt.Sprintf("%susage:%s:%s", s.config.KeyPrefix, subAccountID, kind)
}

// accountRecord is the serialized account layout.
type accountRecord struct {
	UserID                 string     `json:"user_id"`
	Email                  string     `json:"email"`
	Plan                   string     `json:"plan"`
	TrialUsed              bool       `json:"trial_used"`
	ProviderCustomerID     string     `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID string     `json:"provider_subscription_id,omitempty"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	PeriodEnd              *time.Time `json:"period_end,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// GetAccount implements billsync.AccountStore.
func (s *Store) GetAccount(ctx context.Context, userID string) (*billsync.Account, error) {
	data, err := s.client.Get(ctx, s.accountKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, billsync.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	version, err := s.client.Get(ctx, s.accountVersionKey(userID)).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get account version: %w", err)
	}

	return decodeAccount(data, version)
}

// GetAccountByCustomerID implements billsync.AccountStore.
func (s *Store) GetAccountByCustomerID(ctx context.Context, customerID string) (*billsync.Account, error) {
	userID, err := s.client.Get(ctx, s.customerIndexKey(customerID)).Result()
	if err == redis.Nil {
		return nil, billsync.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer index: %w", err)
	}
	return s.GetAccount(ctx, userID)
}

// CreateAccount implements billsync.AccountStore.
func (s *Store) CreateAccount(ctx context.Context, account *billsync.Account) error {
	if account == nil || account.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	cp := *account
	if cp.Version == 0 {
		cp.Version = 1
	}
	cp.UpdatedAt = time.Now().UTC()

	if err := s.writeAccount(ctx, &cp, -1); err != nil {
		return err
	}
	if cp.ProviderCustomerID != "" {
		if err := s.client.Set(ctx, s.customerIndexKey(cp.ProviderCustomerID), cp.UserID, s.config.AccountTTL).Err(); err != nil {
			return fmt.Errorf("failed to index customer id: %w", err)
		}
	}
	return nil
}

// UpdateAccount implements billsync.AccountStore.
func (s *Store) UpdateAccount(ctx context.Context, userID string, update billsync.AccountUpdate) error {
	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return err
	}

	expected := account.Version
	if update.ExpectVersion != nil {
		if account.Version != *update.ExpectVersion {
			return billsync.ErrVersionConflict
		}
		expected = *update.ExpectVersion
	}

	oldCustomerID := account.ProviderCustomerID
	applyUpdate(account, update)
	account.Version = expected + 1
	account.UpdatedAt = time.Now().UTC()

	if err := s.writeAccount(ctx, account, expected); err != nil {
		return err
	}

	if account.ProviderCustomerID != oldCustomerID {
		if oldCustomerID != "" {
			s.client.Del(ctx, s.customerIndexKey(oldCustomerID))
		}
		if account.ProviderCustomerID != "" {
			if err := s.client.Set(ctx, s.customerIndexKey(account.ProviderCustomerID), userID, s.config.AccountTTL).Err(); err != nil {
				return fmt.Errorf("failed to index customer id: %w", err)
			}
		}
	}
	return nil
}

// writeAccount serializes and CAS-writes an account. expectedVersion -1 skips
// the version check (create path).
func (s *Store) writeAccount(ctx context.Context, account *billsync.Account, expectedVersion int64) error {
	rec := accountRecord{
		UserID:                 account.UserID,
		Email:                  account.Email,
		Plan:                   string(account.Plan),
		TrialUsed:              account.TrialUsed,
		ProviderCustomerID:     account.ProviderCustomerID,
		ProviderSubscriptionID: account.ProviderSubscriptionID,
		CancelAtPeriodEnd:      account.CancelAtPeriodEnd,
		PeriodEnd:              account.PeriodEnd,
		UpdatedAt:              account.UpdatedAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	ttl := int64(0)
	if s.config.AccountTTL > 0 {
		ttl = int64(s.config.AccountTTL.Seconds())
	}

	res, err := s.scripts["casAccount"].Run(ctx, s.client,
		[]string{s.accountKey(account.UserID), s.accountVersionKey(account.UserID)},
		expectedVersion, account.Version, string(data), ttl,
	).Slice()
	if err != nil {
		return fmt.Errorf("failed to write account: %w", err)
	}
	if len(res) == 2 {
		if status, _ := res[1].(string); status == "conflict" {
			return billsync.ErrVersionConflict
		}
	}
	return nil
}

// GetBalance implements billsync.CreditLedger.
func (s *Store) GetBalance(ctx context.Context, subAccountID string, kind billsync.CreditKind) (int, error) {
	balance, err := s.client.Get(ctx, s.creditKey(subAccountID, kind)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// DecrementIfPositive implements billsync.CreditLedger.
func (s *Store) DecrementIfPositive(ctx context.Context, subAccountID string, kind billsync.CreditKind) (int, error) {
	res, err := s.scripts["decrement"].Run(ctx, s.client,
		[]string{s.creditKey(subAccountID, kind)},
	).Slice()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement credits: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("unexpected script result: %v", res)
	}
	if status, _ := res[1].(string); status == "insufficient" {
		return 0, billsync.ErrInsufficientCredits
	}
	balance, _ := res[0].(int64)
	return int(balance), nil
}

// Increment implements billsync.CreditLedger.
func (s *Store) Increment(ctx context.Context, subAccountID string, kind billsync.CreditKind, amount int) (int, error) {
	if amount <= 0 {
		return 0, billsync.ErrInvalidAmount
	}
	balance, err := s.client.IncrBy(ctx, s.creditKey(subAccountID, kind), int64(amount)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment credits: %w", err)
	}
	return int(balance), nil
}

// CountInWindow implements billsync.UsageSource using a sorted set scored by
// creation timestamp.
func (s *Store) CountInWindow(ctx context.Context, subAccountID string, kind billsync.CreditKind, from, to time.Time) (int, error) {
	count, err := s.client.ZCount(ctx, s.usageKey(subAccountID, kind),
		strconv.FormatInt(from.UTC().Unix(), 10),
		"("+strconv.FormatInt(to.UTC().Unix(), 10),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return int(count), nil
}

// RecordItem registers a created item for usage counting.
func (s *Store) RecordItem(ctx context.Context, subAccountID string, kind billsync.CreditKind, itemID string, createdAt time.Time) error {
	key := s.usageKey(subAccountID, kind)
	if err := s.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(createdAt.UTC().Unix()),
		Member: itemID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to record item: %w", err)
	}
	if s.config.UsageTTL > 0 {
		s.client.Expire(ctx, key, s.config.UsageTTL)
	}
	return nil
}

func applyUpdate(account *billsync.Account, update billsync.AccountUpdate) {
	if update.Plan != nil {
		account.Plan = *update.Plan
	}
	// TrialUsed is monotonic: ignore resets.
	if update.TrialUsed != nil && *update.TrialUsed {
		account.TrialUsed = true
	}
	if update.ProviderCustomerID != nil {
		account.ProviderCustomerID = *update.ProviderCustomerID
	}
	if update.ProviderSubscriptionID != nil {
		account.ProviderSubscriptionID = *update.ProviderSubscriptionID
	}
	if update.CancelAtPeriodEnd != nil {
		account.CancelAtPeriodEnd = *update.CancelAtPeriodEnd
	}
	if update.PeriodEnd != nil {
		end := *update.PeriodEnd
		account.PeriodEnd = &end
	}
	if update.ClearSubscription {
		account.ProviderSubscriptionID = ""
		account.CancelAtPeriodEnd = false
		account.PeriodEnd = nil
	}
}

func decodeAccount(data []byte, version int64) (*billsync.Account, error) {
	var rec accountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	if version == 0 {
		version = 1
	}
	return &billsync.Account{
		UserID:                 rec.UserID,
		Email:                  rec.Email,
		Plan:                   billsync.Plan(rec.Plan),
		TrialUsed:              rec.TrialUsed,
		ProviderCustomerID:     rec.ProviderCustomerID,
		ProviderSubscriptionID: rec.ProviderSubscriptionID,
		CancelAtPeriodEnd:      rec.CancelAtPeriodEnd,
		PeriodEnd:              rec.PeriodEnd,
		Version:                version,
		UpdatedAt:              rec.UpdatedAt,
	}, nil
}
