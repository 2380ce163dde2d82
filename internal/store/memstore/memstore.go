// Package memstore is a process-local entitlement.Store used by tests and by
// the memory:// development mode of entitlementd. A single mutex spans each
// transaction, giving the same per-account atomicity the SQL stores get from
// guarded single-statement updates.
package memstore

import (
	"context"
	"sync"

	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
	"github.com/google/uuid"
)

// Store implements entitlement.Store in memory.
type Store struct {
	mutex sync.Mutex
	data  *tables
}

type tables struct {
	entitlements      map[string]entitlement.Entitlement
	ledgerByReference map[string]entitlement.LedgerEntry
	ledgerOrder       []string
	usage             []entitlement.UsageRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: newTables()}
}

func newTables() *tables {
	return &tables{
		entitlements:      make(map[string]entitlement.Entitlement),
		ledgerByReference: make(map[string]entitlement.LedgerEntry),
	}
}

func (data *tables) clone() *tables {
	copied := &tables{
		entitlements:      make(map[string]entitlement.Entitlement, len(data.entitlements)),
		ledgerByReference: make(map[string]entitlement.LedgerEntry, len(data.ledgerByReference)),
		ledgerOrder:       append([]string(nil), data.ledgerOrder...),
		usage:             append([]entitlement.UsageRecord(nil), data.usage...),
	}
	for key, value := range data.entitlements {
		copied.entitlements[key] = value
	}
	for key, value := range data.ledgerByReference {
		copied.ledgerByReference[key] = value
	}
	return copied
}

// WithTx runs fn under the store mutex; any error rolls the state back.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore entitlement.Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	snapshot := store.data.clone()
	if err := fn(ctx, &txView{data: store.data}); err != nil {
		store.data = snapshot
		return err
	}
	return nil
}

func (store *Store) GetOrCreateEntitlement(ctx context.Context, accountID entitlement.AccountID, nowUnixUTC int64) (entitlement.Entitlement, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.data.getOrCreateEntitlement(accountID, nowUnixUTC)
}

func (store *Store) ApplyCreditsDelta(ctx context.Context, accountID entitlement.AccountID, delta int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.data.applyCreditsDelta(accountID, delta)
}

func (store *Store) ConsumeCredit(ctx context.Context, accountID entitlement.AccountID) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.data.consumeCredit(accountID)
}

func (store *Store) RecordIfNew(ctx context.Context, entry entitlement.LedgerEntry) (entitlement.RecordOutcome, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.data.recordIfNew(entry)
}

func (store *Store) UpdateSubscription(ctx context.Context, accountID entitlement.AccountID, state entitlement.SubscriptionState) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.data.updateSubscription(accountID, state)
}

func (store *Store) InsertUsageRecord(ctx context.Context, record entitlement.UsageRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.data.insertUsageRecord(record)
}

func (store *Store) ListLedgerEntries(ctx context.Context, accountID entitlement.AccountID, beforeUnixUTC int64, limit int) ([]entitlement.LedgerEntry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.data.listLedgerEntries(accountID, beforeUnixUTC, limit)
}

// UsageRecords returns a copy of all usage records, for tests and debugging.
func (store *Store) UsageRecords() []entitlement.UsageRecord {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]entitlement.UsageRecord(nil), store.data.usage...)
}

// LedgerEntries returns a copy of all ledger entries in insertion order.
func (store *Store) LedgerEntries() []entitlement.LedgerEntry {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entries := make([]entitlement.LedgerEntry, 0, len(store.data.ledgerOrder))
	for _, reference := range store.data.ledgerOrder {
		entries = append(entries, store.data.ledgerByReference[reference])
	}
	return entries
}

// txView operates on the live tables while the owning Store holds its mutex.
type txView struct {
	data *tables
}

func (view *txView) WithTx(ctx context.Context, fn func(ctx context.Context, txStore entitlement.Store) error) error {
	return fn(ctx, view)
}

func (view *txView) GetOrCreateEntitlement(_ context.Context, accountID entitlement.AccountID, nowUnixUTC int64) (entitlement.Entitlement, error) {
	return view.data.getOrCreateEntitlement(accountID, nowUnixUTC)
}

func (view *txView) ApplyCreditsDelta(_ context.Context, accountID entitlement.AccountID, delta int64) error {
	return view.data.applyCreditsDelta(accountID, delta)
}

func (view *txView) ConsumeCredit(_ context.Context, accountID entitlement.AccountID) error {
	return view.data.consumeCredit(accountID)
}

func (view *txView) RecordIfNew(_ context.Context, entry entitlement.LedgerEntry) (entitlement.RecordOutcome, error) {
	return view.data.recordIfNew(entry)
}

func (view *txView) UpdateSubscription(_ context.Context, accountID entitlement.AccountID, state entitlement.SubscriptionState) error {
	return view.data.updateSubscription(accountID, state)
}

func (view *txView) InsertUsageRecord(_ context.Context, record entitlement.UsageRecord) error {
	return view.data.insertUsageRecord(record)
}

func (view *txView) ListLedgerEntries(_ context.Context, accountID entitlement.AccountID, beforeUnixUTC int64, limit int) ([]entitlement.LedgerEntry, error) {
	return view.data.listLedgerEntries(accountID, beforeUnixUTC, limit)
}

func (data *tables) getOrCreateEntitlement(accountID entitlement.AccountID, _ int64) (entitlement.Entitlement, error) {
	if existing, found := data.entitlements[accountID.String()]; found {
		return existing, nil
	}
	created := entitlement.Entitlement{
		AccountID:          accountID.String(),
		SubscriptionTier:   entitlement.TierFree,
		SubscriptionStatus: entitlement.SubscriptionStatusInactive,
	}
	data.entitlements[accountID.String()] = created
	return created, nil
}

func (data *tables) applyCreditsDelta(accountID entitlement.AccountID, delta int64) error {
	row, found := data.entitlements[accountID.String()]
	if !found {
		return entitlement.ErrAccountNotFound
	}
	if row.CreditsRemaining+delta < 0 {
		return entitlement.ErrInsufficientCredits
	}
	row.CreditsRemaining += delta
	data.entitlements[accountID.String()] = row
	return nil
}

func (data *tables) consumeCredit(accountID entitlement.AccountID) error {
	row, found := data.entitlements[accountID.String()]
	if !found {
		return entitlement.ErrAccountNotFound
	}
	if row.CreditsRemaining <= 0 {
		return entitlement.ErrInsufficientCredits
	}
	row.CreditsRemaining--
	data.entitlements[accountID.String()] = row
	return nil
}

func (data *tables) recordIfNew(entry entitlement.LedgerEntry) (entitlement.RecordOutcome, error) {
	if _, exists := data.ledgerByReference[entry.ExternalReference]; exists {
		return entitlement.RecordOutcomeAlreadyApplied, nil
	}
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	data.ledgerByReference[entry.ExternalReference] = entry
	data.ledgerOrder = append(data.ledgerOrder, entry.ExternalReference)
	return entitlement.RecordOutcomeApplied, nil
}

func (data *tables) updateSubscription(accountID entitlement.AccountID, state entitlement.SubscriptionState) error {
	row, found := data.entitlements[accountID.String()]
	if !found {
		return entitlement.ErrAccountNotFound
	}
	row.SubscriptionTier = state.Tier
	row.SubscriptionStatus = state.Status
	row.SubscriptionStartUnixUTC = state.StartUnixUTC
	row.SubscriptionEndUnixUTC = state.EndUnixUTC
	if state.ExternalRef != "" {
		row.ExternalSubscriptionRef = state.ExternalRef
	}
	data.entitlements[accountID.String()] = row
	return nil
}

func (data *tables) insertUsageRecord(record entitlement.UsageRecord) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	data.usage = append(data.usage, record)
	return nil
}

func (data *tables) listLedgerEntries(accountID entitlement.AccountID, beforeUnixUTC int64, limit int) ([]entitlement.LedgerEntry, error) {
	entries := make([]entitlement.LedgerEntry, 0, limit)
	for index := len(data.ledgerOrder) - 1; index >= 0; index-- {
		entry := data.ledgerByReference[data.ledgerOrder[index]]
		if entry.AccountID != accountID.String() {
			continue
		}
		if beforeUnixUTC != 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}
