package entitlement

import (
	"context"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing entitlement operation.
type OperationLog struct {
	Operation         string
	AccountID         AccountID
	SKU               string
	ExternalReference string
	CreditsDelta      int64
	Outcome           RecordOutcome
	Status            string
	Error             error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithAllowList wires the admin override predicate.
func WithAllowList(allowList AllowList) ServiceOption {
	return func(service *Service) {
		service.allowList = allowList
	}
}

// WithBillingProvider wires the outbound payment-provider client.
func WithBillingProvider(provider BillingProvider) ServiceOption {
	return func(service *Service) {
		service.billing = provider
	}
}

// WithBillingIntervalSeconds overrides the subscription window length.
func WithBillingIntervalSeconds(seconds int64) ServiceOption {
	return func(service *Service) {
		if seconds > 0 {
			service.billingIntervalSeconds = seconds
		}
	}
}

// ZapOperationLogger adapts a zap logger to the OperationLogger contract.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wires a ZapOperationLogger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation emits one structured log line per entitlement operation.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	if operationLogger.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("status", entry.Status),
	}
	if entry.SKU != "" {
		fields = append(fields, zap.String("sku", entry.SKU))
	}
	if entry.ExternalReference != "" {
		fields = append(fields, zap.String("external_reference", entry.ExternalReference))
	}
	if entry.CreditsDelta != 0 {
		fields = append(fields, zap.Int64("credits_delta", entry.CreditsDelta))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", string(entry.Outcome)))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("entitlement operation failed", fields...)
		return
	}
	operationLogger.logger.Info("entitlement operation", fields...)
}
