package entitlement

import "context"

// UsageResult reports how one billable action was covered.
type UsageResult struct {
	Unlimited           bool
	SubscriptionCovered bool
	CreditsUsed         int64
	CreditsRemaining    int64
}

// Consume meters one billable action. Allow-listed accounts short-circuit
// with unlimited semantics and no storage access; active pro subscriptions
// absorb the action at zero cost but still leave a usage record; everyone
// else pays one credit through a single atomic check-and-decrement.
func (service *Service) Consume(ctx context.Context, accountID AccountID, resourceID ResourceID) (UsageResult, error) {
	if service.allowList.Allows(accountID) {
		service.logOperation(ctx, OperationLog{
			Operation: operationConsume,
			AccountID: accountID,
			Status:    operationStatusOK,
		})
		return UsageResult{Unlimited: true}, nil
	}
	var result UsageResult
	operationError := service.retryOnConflict(ctx, func(ctx context.Context) error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			nowUnixUTC := service.nowFn()
			current, err := transactionStore.GetOrCreateEntitlement(ctx, accountID, nowUnixUTC)
			if err != nil {
				return err
			}
			if current.SubscriptionCovers(nowUnixUTC) {
				if err := transactionStore.InsertUsageRecord(ctx, UsageRecord{
					AccountID:      accountID.String(),
					ResourceID:     resourceID.String(),
					CreditsUsed:    0,
					CreatedUnixUTC: nowUnixUTC,
				}); err != nil {
					return err
				}
				result = UsageResult{SubscriptionCovered: true, CreditsRemaining: current.CreditsRemaining}
				return nil
			}
			if err := transactionStore.ConsumeCredit(ctx, accountID); err != nil {
				return err
			}
			// Re-read so the reported remainder reflects the decrement just
			// made, not the snapshot taken before concurrent consumers ran.
			updated, err := transactionStore.GetOrCreateEntitlement(ctx, accountID, nowUnixUTC)
			if err != nil {
				return err
			}
			if err := transactionStore.InsertUsageRecord(ctx, UsageRecord{
				AccountID:      accountID.String(),
				ResourceID:     resourceID.String(),
				CreditsUsed:    1,
				CreatedUnixUTC: nowUnixUTC,
			}); err != nil {
				return err
			}
			result = UsageResult{CreditsUsed: 1, CreditsRemaining: updated.CreditsRemaining}
			return nil
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationConsume,
		AccountID:    accountID,
		CreditsDelta: -result.CreditsUsed,
		Error:        operationError,
	})
	if operationError != nil {
		return UsageResult{}, operationError
	}
	return result, nil
}
