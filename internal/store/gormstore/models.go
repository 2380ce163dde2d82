package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entitlement mirrors the entitlements table: one row per account, created
// lazily, never deleted.
type Entitlement struct {
	AccountID               string     `gorm:"primaryKey"`
	CreditsRemaining        int64      `gorm:"not null"`
	SubscriptionTier        string     `gorm:"not null"`
	SubscriptionStatus      string     `gorm:"not null"`
	SubscriptionStart       *time.Time `gorm:""`
	SubscriptionEnd         *time.Time `gorm:""`
	ExternalSubscriptionRef *string    `gorm:""`
	CreatedAt               time.Time  `gorm:"not null"`
	UpdatedAt               time.Time  `gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

// LedgerEntry mirrors the ledger_entries table. The unique index on
// external_reference is the idempotency anchor for the whole subsystem.
type LedgerEntry struct {
	EntryID           string         `gorm:"type:uuid;primaryKey"`
	AccountID         string         `gorm:"not null;index:idx_ledger_account_created,priority:1"`
	SKU               string         `gorm:""`
	CreditsDelta      int64          `gorm:"not null"`
	Kind              string         `gorm:"not null"`
	ExternalReference string         `gorm:"not null;index:uniq_ledger_external_reference,unique"`
	Metadata          datatypes.JSON `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// UsageRecord mirrors the usage_records table.
type UsageRecord struct {
	RecordID    string    `gorm:"type:uuid;primaryKey"`
	AccountID   string    `gorm:"not null;index"`
	ResourceID  string    `gorm:"not null"`
	CreditsUsed int64     `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (UsageRecord) TableName() string { return "usage_records" }

func (record *UsageRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}
