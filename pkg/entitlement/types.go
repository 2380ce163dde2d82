package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AccountID identifies an entitlement owner.
type AccountID struct {
	value string
}

// SKU identifies a purchasable catalog item.
type SKU struct {
	value string
}

// ExternalReference is the provider-side identity of one purchase event.
// It scopes duplicate detection for purchase and subscription ledger entries.
type ExternalReference struct {
	value string
}

// ResourceID identifies the document a billable analysis ran against.
type ResourceID struct {
	value string
}

// CreditAmount is a strictly positive number of analysis credits.
type CreditAmount int64

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewSKU validates and normalizes a catalog identifier.
func NewSKU(raw string) (SKU, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SKU{}, fmt.Errorf("%w: empty value", ErrInvalidSKU)
	}
	return SKU{value: trimmed}, nil
}

// String returns the normalized identifier.
func (sku SKU) String() string {
	return sku.value
}

// NewExternalReference validates and normalizes an external reference.
func NewExternalReference(raw string) (ExternalReference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalReference{}, fmt.Errorf("%w: empty value", ErrInvalidExternalReference)
	}
	return ExternalReference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference ExternalReference) String() string {
	return reference.value
}

// NewResourceID validates and normalizes a resource id.
func NewResourceID(raw string) (ResourceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ResourceID{}, fmt.Errorf("%w: empty value", ErrInvalidResourceID)
	}
	return ResourceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ResourceID) String() string {
	return id.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw credit count.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// Tier defines what kind of entitlement an account holds.
type Tier string

const (
	TierFree    Tier = "free"
	TierCredits Tier = "credits"
	TierPro     Tier = "pro"
)

// String returns the stored representation.
func (tier Tier) String() string {
	return string(tier)
}

// ParseTier validates a stored tier value.
func ParseTier(raw string) (Tier, error) {
	switch Tier(raw) {
	case TierFree, TierCredits, TierPro:
		return Tier(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
}

// SubscriptionStatus defines the subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
	SubscriptionStatusTrial    SubscriptionStatus = "trial"
)

// String returns the stored representation.
func (status SubscriptionStatus) String() string {
	return string(status)
}

// ParseSubscriptionStatus validates a stored status value.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, error) {
	switch SubscriptionStatus(raw) {
	case SubscriptionStatusActive, SubscriptionStatusInactive, SubscriptionStatusTrial:
		return SubscriptionStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSubscriptionStatus, raw)
	}
}

// LedgerKind enumerates ledger entry kinds.
type LedgerKind string

const (
	LedgerKindPurchase        LedgerKind = "purchase"
	LedgerKindSubscription    LedgerKind = "subscription"
	LedgerKindManual          LedgerKind = "manual"
	LedgerKindUsageAdjustment LedgerKind = "usage_adjustment"
)

// String returns the stored representation.
func (kind LedgerKind) String() string {
	return string(kind)
}

// ParseLedgerKind validates a stored kind value.
func ParseLedgerKind(raw string) (LedgerKind, error) {
	switch LedgerKind(raw) {
	case LedgerKindPurchase, LedgerKindSubscription, LedgerKindManual, LedgerKindUsageAdjustment:
		return LedgerKind(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLedgerKind, raw)
	}
}

// RecordOutcome reports whether the idempotency guard admitted an event.
type RecordOutcome string

const (
	RecordOutcomeApplied        RecordOutcome = "applied"
	RecordOutcomeAlreadyApplied RecordOutcome = "already_applied"
)

// Entitlement is the stored credit balance plus subscription state of one account.
type Entitlement struct {
	AccountID                string
	CreditsRemaining         int64
	SubscriptionTier         Tier
	SubscriptionStatus       SubscriptionStatus
	SubscriptionStartUnixUTC int64
	SubscriptionEndUnixUTC   int64
	ExternalSubscriptionRef  string
}

// SubscriptionCovers reports whether the pro subscription absorbs usage at the
// given instant: tier pro, status active or trial, and the window not expired.
func (entitlement Entitlement) SubscriptionCovers(nowUnixUTC int64) bool {
	if entitlement.SubscriptionTier != TierPro {
		return false
	}
	if entitlement.SubscriptionStatus != SubscriptionStatusActive && entitlement.SubscriptionStatus != SubscriptionStatusTrial {
		return false
	}
	if entitlement.SubscriptionEndUnixUTC != 0 && nowUnixUTC >= entitlement.SubscriptionEndUnixUTC {
		return false
	}
	return true
}

// SubscriptionState is the subscription portion of an entitlement row, written
// as one unit so tier and status can never disagree with the invariant
// that tier pro implies an active or trial status.
type SubscriptionState struct {
	Tier         Tier
	Status       SubscriptionStatus
	StartUnixUTC int64
	EndUnixUTC   int64
	ExternalRef  string
}

// A single immutable audit line for one entitlement mutation.
type LedgerEntry struct {
	EntryID           string
	AccountID         string
	SKU               string
	CreditsDelta      int64
	Kind              LedgerKind
	ExternalReference string
	MetadataJSON      string
	CreatedUnixUTC    int64
}

// UsageRecord is the audit line for one billable action, including the
// zero-cost lines written for subscription-covered usage.
type UsageRecord struct {
	RecordID       string
	AccountID      string
	ResourceID     string
	CreditsUsed    int64
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service. Every mutating method is
// a single storage statement so concurrent callers for the same account
// serialize inside the database, not in this process.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateEntitlement(ctx context.Context, accountID AccountID, nowUnixUTC int64) (Entitlement, error)
	ApplyCreditsDelta(ctx context.Context, accountID AccountID, delta int64) error
	ConsumeCredit(ctx context.Context, accountID AccountID) error
	RecordIfNew(ctx context.Context, entry LedgerEntry) (RecordOutcome, error)
	UpdateSubscription(ctx context.Context, accountID AccountID, state SubscriptionState) error
	InsertUsageRecord(ctx context.Context, record UsageRecord) error
	ListLedgerEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error)
}

// BillingProvider is the outbound payment-provider seam. Cancellation must
// reach the provider before the local subscription row is deactivated.
type BillingProvider interface {
	CancelSubscription(ctx context.Context, externalSubscriptionRef string) error
}
