package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultBillingIntervalSeconds int64 = 30 * 24 * 60 * 60

// Service contains the entitlement domain logic over a Store.
type Service struct {
	store                  Store
	catalog                Catalog
	allowList              AllowList
	billing                BillingProvider
	nowFn                  func() int64
	billingIntervalSeconds int64
	logger                 OperationLogger
}

// NewService wires a Service.
func NewService(store Store, catalog Catalog, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog.Len() == 0 {
		return nil, fmt.Errorf("%w: catalog is empty", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:                  store,
		catalog:                catalog,
		nowFn:                  now,
		billingIntervalSeconds: defaultBillingIntervalSeconds,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Catalog exposes the immutable SKU table.
func (service *Service) Catalog() Catalog {
	return service.catalog
}

// Balance returns the entitlement row, lazily creating the zero/free default.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Entitlement, error) {
	return service.store.GetOrCreateEntitlement(ctx, accountID, service.nowFn())
}

// History lists ledger entries for an account before a cutoff time.
func (service *Service) History(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	if _, err := service.store.GetOrCreateEntitlement(ctx, accountID, service.nowFn()); err != nil {
		return nil, err
	}
	return service.store.ListLedgerEntries(ctx, accountID, beforeUnixUTC, limit)
}

// PurchaseResult reports how a purchase event landed.
type PurchaseResult struct {
	Outcome     RecordOutcome
	Entitlement Entitlement
}

// ApplyPurchase applies one external purchase or subscription event. The
// webhook reconciler and the confirmation endpoint both call this with the
// same external reference; the idempotency guard decides which caller
// mutates and which observes an already-applied event. AlreadyApplied is a
// success outcome, never an error.
func (service *Service) ApplyPurchase(ctx context.Context, accountID AccountID, sku SKU, externalReference ExternalReference, providerSubscriptionRef string) (PurchaseResult, error) {
	catalogEntry, err := service.catalog.Resolve(sku)
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation:         operationApplyPurchase,
			AccountID:         accountID,
			SKU:               sku.String(),
			ExternalReference: externalReference.String(),
			Error:             err,
		})
		return PurchaseResult{}, err
	}
	kind := LedgerKindPurchase
	if catalogEntry.IsSubscription {
		kind = LedgerKindSubscription
	}
	var outcome RecordOutcome
	operationError := service.retryOnConflict(ctx, func(ctx context.Context) error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			nowUnixUTC := service.nowFn()
			if _, err := transactionStore.GetOrCreateEntitlement(ctx, accountID, nowUnixUTC); err != nil {
				return err
			}
			recorded, err := transactionStore.RecordIfNew(ctx, LedgerEntry{
				AccountID:         accountID.String(),
				SKU:               sku.String(),
				CreditsDelta:      catalogEntry.CreditsGranted,
				Kind:              kind,
				ExternalReference: externalReference.String(),
				MetadataJSON:      "{}",
				CreatedUnixUTC:    nowUnixUTC,
			})
			if err != nil {
				return err
			}
			outcome = recorded
			if recorded == RecordOutcomeAlreadyApplied {
				return nil
			}
			if catalogEntry.CreditsGranted > 0 {
				if err := transactionStore.ApplyCreditsDelta(ctx, accountID, catalogEntry.CreditsGranted); err != nil {
					return err
				}
			}
			if catalogEntry.IsSubscription {
				subscriptionRef := providerSubscriptionRef
				if subscriptionRef == "" {
					subscriptionRef = externalReference.String()
				}
				return transactionStore.UpdateSubscription(ctx, accountID, SubscriptionState{
					Tier:         TierPro,
					Status:       SubscriptionStatusActive,
					StartUnixUTC: nowUnixUTC,
					EndUnixUTC:   nowUnixUTC + service.billingIntervalSeconds,
					ExternalRef:  subscriptionRef,
				})
			}
			return nil
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:         operationApplyPurchase,
		AccountID:         accountID,
		SKU:               sku.String(),
		ExternalReference: externalReference.String(),
		CreditsDelta:      catalogEntry.CreditsGranted,
		Outcome:           outcome,
		Error:             operationError,
	})
	if operationError != nil {
		return PurchaseResult{}, operationError
	}
	current, err := service.store.GetOrCreateEntitlement(ctx, accountID, service.nowFn())
	if err != nil {
		return PurchaseResult{}, err
	}
	return PurchaseResult{Outcome: outcome, Entitlement: current}, nil
}

// ManualGrant credits an account outside the catalog. No provider event
// exists, so the ledger entry carries a synthetic external reference.
func (service *Service) ManualGrant(ctx context.Context, accountID AccountID, amount CreditAmount, grantedBy string) (Entitlement, error) {
	nowUnixUTC := service.nowFn()
	syntheticReference := fmt.Sprintf("%s:%s:%d-%s", manualReferencePrefix, accountID.String(), nowUnixUTC, uuid.NewString())
	metadata := marshalGrantMetadata(grantedBy)
	operationError := service.retryOnConflict(ctx, func(ctx context.Context) error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if _, err := transactionStore.GetOrCreateEntitlement(ctx, accountID, nowUnixUTC); err != nil {
				return err
			}
			outcome, err := transactionStore.RecordIfNew(ctx, LedgerEntry{
				AccountID:         accountID.String(),
				CreditsDelta:      amount.Int64(),
				Kind:              LedgerKindManual,
				ExternalReference: syntheticReference,
				MetadataJSON:      metadata.String(),
				CreatedUnixUTC:    nowUnixUTC,
			})
			if err != nil {
				return err
			}
			if outcome == RecordOutcomeAlreadyApplied {
				return nil
			}
			return transactionStore.ApplyCreditsDelta(ctx, accountID, amount.Int64())
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:         operationManualGrant,
		AccountID:         accountID,
		ExternalReference: syntheticReference,
		CreditsDelta:      amount.Int64(),
		Error:             operationError,
	})
	if operationError != nil {
		return Entitlement{}, operationError
	}
	return service.store.GetOrCreateEntitlement(ctx, accountID, service.nowFn())
}

// CancelSubscription cancels billing at the provider first and only then
// marks the local subscription inactive. A provider failure leaves the
// stored subscription untouched.
func (service *Service) CancelSubscription(ctx context.Context, accountID AccountID) error {
	if service.billing == nil {
		return fmt.Errorf("%w: billing provider not configured", ErrInvalidServiceConfig)
	}
	current, err := service.store.GetOrCreateEntitlement(ctx, accountID, service.nowFn())
	if err != nil {
		return err
	}
	if current.SubscriptionTier != TierPro || current.SubscriptionStatus == SubscriptionStatusInactive || current.ExternalSubscriptionRef == "" {
		return ErrNoActiveSubscription
	}
	if err := service.billing.CancelSubscription(ctx, current.ExternalSubscriptionRef); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationCancelSubscription,
			AccountID: accountID,
			Error:     err,
		})
		return err
	}
	operationError := service.DeactivateSubscription(ctx, accountID)
	service.logOperation(ctx, OperationLog{
		Operation: operationCancelSubscription,
		AccountID: accountID,
		Error:     operationError,
	})
	return operationError
}

// DeactivateSubscription flips the stored subscription to inactive without a
// provider round trip. Used when the provider itself reports the
// cancellation through a webhook.
func (service *Service) DeactivateSubscription(ctx context.Context, accountID AccountID) error {
	operationError := service.retryOnConflict(ctx, func(ctx context.Context) error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			current, err := transactionStore.GetOrCreateEntitlement(ctx, accountID, service.nowFn())
			if err != nil {
				return err
			}
			tier := TierFree
			if current.CreditsRemaining > 0 {
				tier = TierCredits
			}
			return transactionStore.UpdateSubscription(ctx, accountID, SubscriptionState{
				Tier:         tier,
				Status:       SubscriptionStatusInactive,
				StartUnixUTC: current.SubscriptionStartUnixUTC,
				EndUnixUTC:   current.SubscriptionEndUnixUTC,
				ExternalRef:  current.ExternalSubscriptionRef,
			})
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeactivateSubscription,
		AccountID: accountID,
		Error:     operationError,
	})
	return operationError
}

func (service *Service) retryOnConflict(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastError error
	for attempt := 0; attempt < conflictRetryAttempts; attempt++ {
		lastError = fn(ctx)
		if !errors.Is(lastError, ErrStorageConflict) {
			return lastError
		}
		backoff := time.Duration(attempt+1) * conflictRetryBackoffMillis * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func marshalGrantMetadata(grantedBy string) MetadataJSON {
	fallback, _ := NewMetadataJSON("")
	if grantedBy == "" {
		return fallback
	}
	raw, err := json.Marshal(map[string]string{"granted_by": grantedBy})
	if err != nil {
		return fallback
	}
	metadata, err := NewMetadataJSON(string(raw))
	if err != nil {
		return fallback
	}
	return metadata
}
