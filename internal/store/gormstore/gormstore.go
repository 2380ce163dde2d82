package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	sqliteConstraintCode       = 19
	sqliteBusyCode             = 5
	sqliteLockedCode           = 6
	errorOperationStore        = "store"
	errorSubjectEntitlement    = "entitlement"
	errorSubjectLedger         = "ledger"
	errorSubjectUsage          = "usage"
	errorCodeApplyDelta        = "apply_delta"
	errorCodeConsume           = "consume"
	errorCodeGetOrCreate       = "get_or_create"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeRecord            = "record"
	errorCodeUpdate            = "update"
)

// Store implements entitlement.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Postgres deployments run migrations out of
// band; sqlite (tests, dev) relies on this.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entitlement{}, &LedgerEntry{}, &UsageRecord{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore entitlement.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateEntitlement returns the account's row, creating the zero/free
// default on first access.
func (store *Store) GetOrCreateEntitlement(ctx context.Context, accountID entitlement.AccountID, nowUnixUTC int64) (entitlement.Entitlement, error) {
	var row Entitlement
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Where(Entitlement{AccountID: accountID.String()}).
		Attrs(Entitlement{
			CreditsRemaining:   0,
			SubscriptionTier:   entitlement.TierFree.String(),
			SubscriptionStatus: entitlement.SubscriptionStatusInactive.String(),
			CreatedAt:          time.Unix(nowUnixUTC, 0).UTC(),
			UpdatedAt:          time.Unix(nowUnixUTC, 0).UTC(),
		}).
		FirstOrCreate(&row).Error
	if err != nil {
		return entitlement.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGetOrCreate, classifyError(err))
	}
	return mapEntitlement(row)
}

// ApplyCreditsDelta adds delta to credits_remaining in one guarded UPDATE.
// The statement itself refuses to drive the balance negative; zero affected
// rows on an existing account means insufficient credits.
func (store *Store) ApplyCreditsDelta(ctx context.Context, accountID entitlement.AccountID, delta int64) error {
	result := store.db.WithContext(ctx).
		Model(&Entitlement{}).
		Where("account_id = ? AND credits_remaining + ? >= 0", accountID.String(), delta).
		Updates(map[string]interface{}{
			"credits_remaining": gorm.Expr("credits_remaining + ?", delta),
			"updated_at":        time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntitlement, errorCodeApplyDelta, classifyError(result.Error))
	}
	if result.RowsAffected == 0 {
		return store.classifyGuardMiss(ctx, accountID, errorCodeApplyDelta)
	}
	return nil
}

// ConsumeCredit decrements one credit in a single atomic check-and-decrement.
// Two concurrent calls against a balance of one cannot both match the guard.
func (store *Store) ConsumeCredit(ctx context.Context, accountID entitlement.AccountID) error {
	result := store.db.WithContext(ctx).
		Model(&Entitlement{}).
		Where("account_id = ? AND credits_remaining > 0", accountID.String()).
		Updates(map[string]interface{}{
			"credits_remaining": gorm.Expr("credits_remaining - 1"),
			"updated_at":        time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntitlement, errorCodeConsume, classifyError(result.Error))
	}
	if result.RowsAffected == 0 {
		return store.classifyGuardMiss(ctx, accountID, errorCodeConsume)
	}
	return nil
}

// RecordIfNew inserts a ledger entry, relying on the unique
// external_reference index to reject duplicates in the same statement.
func (store *Store) RecordIfNew(ctx context.Context, entry entitlement.LedgerEntry) (entitlement.RecordOutcome, error) {
	row := LedgerEntry{
		EntryID:           entry.EntryID,
		AccountID:         entry.AccountID,
		SKU:               entry.SKU,
		CreditsDelta:      entry.CreditsDelta,
		Kind:              entry.Kind.String(),
		ExternalReference: entry.ExternalReference,
		Metadata:          datatypesJSON(entry.MetadataJSON),
		CreatedAt:         time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return entitlement.RecordOutcomeAlreadyApplied, nil
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectLedger, errorCodeRecord, classifyError(err))
	}
	return entitlement.RecordOutcomeApplied, nil
}

// UpdateSubscription writes tier and subscription state as one unit.
func (store *Store) UpdateSubscription(ctx context.Context, accountID entitlement.AccountID, state entitlement.SubscriptionState) error {
	updates := map[string]interface{}{
		"subscription_tier":   state.Tier.String(),
		"subscription_status": state.Status.String(),
		"subscription_start":  unixToTime(state.StartUnixUTC),
		"subscription_end":    unixToTime(state.EndUnixUTC),
		"updated_at":          time.Now().UTC(),
	}
	if state.ExternalRef != "" {
		updates["external_subscription_ref"] = state.ExternalRef
	}
	result := store.db.WithContext(ctx).
		Model(&Entitlement{}).
		Where("account_id = ?", accountID.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntitlement, errorCodeUpdate, classifyError(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntitlement, errorCodeUpdate, entitlement.ErrAccountNotFound)
	}
	return nil
}

// InsertUsageRecord appends one usage audit line.
func (store *Store) InsertUsageRecord(ctx context.Context, record entitlement.UsageRecord) error {
	row := UsageRecord{
		RecordID:    record.RecordID,
		AccountID:   record.AccountID,
		ResourceID:  record.ResourceID,
		CreditsUsed: record.CreditsUsed,
		CreatedAt:   time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, classifyError(err))
	}
	return nil
}

// ListLedgerEntries lists an account's audit trail, newest first.
func (store *Store) ListLedgerEntries(ctx context.Context, accountID entitlement.AccountID, beforeUnixUTC int64, limit int) ([]entitlement.LedgerEntry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, classifyError(err))
	}
	entries := make([]entitlement.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// classifyGuardMiss distinguishes a missing row from a guard rejection after
// a zero-rows UPDATE. The follow-up read is for error shape only; the
// guarded UPDATE already decided atomically.
func (store *Store) classifyGuardMiss(ctx context.Context, accountID entitlement.AccountID, code string) error {
	var count int64
	if err := store.db.WithContext(ctx).Model(&Entitlement{}).Where("account_id = ?", accountID.String()).Count(&count).Error; err != nil {
		return wrapStoreError(errorSubjectEntitlement, code, classifyError(err))
	}
	if count == 0 {
		return wrapStoreError(errorSubjectEntitlement, code, entitlement.ErrAccountNotFound)
	}
	return wrapStoreError(errorSubjectEntitlement, code, entitlement.ErrInsufficientCredits)
}

func wrapStoreError(subject string, code string, err error) error {
	return entitlement.WrapError(errorOperationStore, subject, code, err)
}

func mapEntitlement(row Entitlement) (entitlement.Entitlement, error) {
	tier, err := entitlement.ParseTier(row.SubscriptionTier)
	if err != nil {
		return entitlement.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
	}
	status, err := entitlement.ParseSubscriptionStatus(row.SubscriptionStatus)
	if err != nil {
		return entitlement.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
	}
	var externalRef string
	if row.ExternalSubscriptionRef != nil {
		externalRef = *row.ExternalSubscriptionRef
	}
	return entitlement.Entitlement{
		AccountID:                row.AccountID,
		CreditsRemaining:         row.CreditsRemaining,
		SubscriptionTier:         tier,
		SubscriptionStatus:       status,
		SubscriptionStartUnixUTC: timeOrZero(row.SubscriptionStart),
		SubscriptionEndUnixUTC:   timeOrZero(row.SubscriptionEnd),
		ExternalSubscriptionRef:  externalRef,
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (entitlement.LedgerEntry, error) {
	kind, err := entitlement.ParseLedgerKind(row.Kind)
	if err != nil {
		return entitlement.LedgerEntry{}, err
	}
	return entitlement.LedgerEntry{
		EntryID:           row.EntryID,
		AccountID:         row.AccountID,
		SKU:               row.SKU,
		CreditsDelta:      row.CreditsDelta,
		Kind:              kind,
		ExternalReference: row.ExternalReference,
		MetadataJSON:      string(row.Metadata),
		CreatedUnixUTC:    row.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func unixToTime(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	converted := time.Unix(value, 0).UTC()
	return &converted
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// classifyError maps transient driver contention onto ErrStorageConflict so
// the service can retry a bounded number of times.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode {
			return entitlement.ErrStorageConflict
		}
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		primary := sqliteErr.Code() & 0xFF
		if primary == sqliteBusyCode || primary == sqliteLockedCode {
			return entitlement.ErrStorageConflict
		}
	}
	return err
}
