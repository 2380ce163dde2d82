package entitlement

const (
	operationApplyPurchase          = "apply_purchase"
	operationConsume                = "consume"
	operationManualGrant            = "manual_grant"
	operationCancelSubscription     = "cancel_subscription"
	operationDeactivateSubscription = "deactivate_subscription"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	manualReferencePrefix = "manual"

	conflictRetryAttempts      = 3
	conflictRetryBackoffMillis = 25
)
