package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
	"go.uber.org/zap"
)

// Status is the terminal state of one delivery.
type Status string

const (
	StatusApplied   Status = "applied"
	StatusDuplicate Status = "duplicate"
	StatusIgnored   Status = "ignored"
	StatusRejected  Status = "rejected"
)

// Result reports how a delivery was reconciled.
type Result struct {
	Status           Status
	AccountID        string
	CreditsRemaining int64
}

// Directory maps a provider-reported customer email to an account id when
// the checkout flow did not attach one.
type Directory interface {
	AccountIDByEmail(ctx context.Context, email string) (string, error)
}

// Reconciler consumes payment-provider notifications. Deliveries are
// at-least-once and unordered relative to the confirmation endpoint, so
// every mutation goes through the service's idempotency-guarded path.
type Reconciler struct {
	verifier  *Verifier
	service   *entitlement.Service
	directory Directory
	logger    *zap.Logger
}

// NewReconciler wires a Reconciler.
func NewReconciler(verifier *Verifier, service *entitlement.Service, directory Directory, logger *zap.Logger) (*Reconciler, error) {
	if verifier == nil {
		return nil, fmt.Errorf("%w: verifier dependency is nil", entitlement.ErrInvalidServiceConfig)
	}
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", entitlement.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{verifier: verifier, service: service, directory: directory, logger: logger}, nil
}

// Process runs one delivery through Received → Validated → Resolved →
// {Applied | Duplicate | Rejected}. A returned error means the delivery was
// NOT acknowledged and the provider should retry; a Rejected result is
// acknowledged because retrying cannot fix it.
func (reconciler *Reconciler) Process(ctx context.Context, signatureHeader string, body []byte) (Result, error) {
	if err := reconciler.verifier.Verify(signatureHeader, body); err != nil {
		reconciler.logger.Warn("webhook signature rejected", zap.Error(err))
		return Result{}, err
	}
	event, err := ParseEvent(body)
	if err != nil {
		reconciler.logger.Warn("webhook payload rejected", zap.Error(err))
		return Result{}, err
	}
	switch event.EventType {
	case eventTypeTransactionCompleted:
		return reconciler.processTransactionCompleted(ctx, event)
	case eventTypeSubscriptionCancelled:
		return reconciler.processSubscriptionCancelled(ctx, event)
	default:
		reconciler.logger.Info("webhook event ignored", zap.String("event_type", event.EventType))
		return Result{Status: StatusIgnored}, nil
	}
}

func (reconciler *Reconciler) processTransactionCompleted(ctx context.Context, event Event) (Result, error) {
	accountID, resolveErr := reconciler.resolveAccount(ctx, event)
	if resolveErr != nil {
		reconciler.alertResolutionFailure(event, resolveErr)
		return Result{Status: StatusRejected}, nil
	}
	if len(event.Items) == 0 {
		reconciler.alertResolutionFailure(event, fmt.Errorf("%w: no items", ErrMalformedEvent))
		return Result{Status: StatusRejected}, nil
	}
	sku, err := entitlement.NewSKU(event.Items[0].PriceID)
	if err != nil {
		reconciler.alertResolutionFailure(event, err)
		return Result{Status: StatusRejected}, nil
	}
	externalReference, err := entitlement.NewExternalReference(event.TransactionID)
	if err != nil {
		reconciler.alertResolutionFailure(event, err)
		return Result{Status: StatusRejected}, nil
	}
	purchase, err := reconciler.service.ApplyPurchase(ctx, accountID, sku, externalReference, event.SubscriptionID)
	if errors.Is(err, entitlement.ErrUnknownSKU) {
		reconciler.alertResolutionFailure(event, err)
		return Result{Status: StatusRejected}, nil
	}
	if err != nil {
		// Storage-level failure: not acknowledged, the provider retries and
		// the idempotency guard keeps the retry safe.
		return Result{}, err
	}
	status := StatusApplied
	if purchase.Outcome == entitlement.RecordOutcomeAlreadyApplied {
		status = StatusDuplicate
	}
	return Result{
		Status:           status,
		AccountID:        accountID.String(),
		CreditsRemaining: purchase.Entitlement.CreditsRemaining,
	}, nil
}

func (reconciler *Reconciler) processSubscriptionCancelled(ctx context.Context, event Event) (Result, error) {
	accountID, resolveErr := reconciler.resolveAccount(ctx, event)
	if resolveErr != nil {
		reconciler.alertResolutionFailure(event, resolveErr)
		return Result{Status: StatusRejected}, nil
	}
	// The provider already stopped billing; only the local flag moves.
	if err := reconciler.service.DeactivateSubscription(ctx, accountID); err != nil {
		return Result{}, err
	}
	return Result{Status: StatusApplied, AccountID: accountID.String()}, nil
}

func (reconciler *Reconciler) resolveAccount(ctx context.Context, event Event) (entitlement.AccountID, error) {
	if event.CustomData.AccountID != "" {
		return entitlement.NewAccountID(event.CustomData.AccountID)
	}
	if event.CustomerEmail != "" && reconciler.directory != nil {
		resolved, err := reconciler.directory.AccountIDByEmail(ctx, event.CustomerEmail)
		if err != nil {
			return entitlement.AccountID{}, err
		}
		return entitlement.NewAccountID(resolved)
	}
	return entitlement.AccountID{}, fmt.Errorf("%w: event carries no account mapping", entitlement.ErrAccountNotFound)
}

// alertResolutionFailure logs an operator-visible alert: the delivery is
// acknowledged, so nothing will retry it and a human has to look.
func (reconciler *Reconciler) alertResolutionFailure(event Event, err error) {
	reconciler.logger.Error("webhook resolution failed",
		zap.Bool("alert", true),
		zap.String("event_type", event.EventType),
		zap.String("transaction_id", event.TransactionID),
		zap.String("customer_email", event.CustomerEmail),
		zap.Error(err),
	)
}
