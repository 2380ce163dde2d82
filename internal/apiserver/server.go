package apiserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/entitlement/internal/identity"
	"github.com/MarkoPoloResearchLab/entitlement/internal/webhook"
	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	identityContextKey  = "auth_identity"
	signatureHeaderName = "Billing-Signature"
	bearerPrefix        = "Bearer "
	maxWebhookBodyBytes = 1 << 20
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Server is the HTTP façade over the entitlement service.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	service    *entitlement.Service
	reconciler *webhook.Reconciler
	resolver   identity.Resolver
	directory  webhook.Directory
	allowList  entitlement.AllowList
	router     *gin.Engine
}

// New wires the router and handlers.
func New(cfg Config, service *entitlement.Service, reconciler *webhook.Reconciler, resolver identity.Resolver, directory webhook.Directory, allowList entitlement.AllowList, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		cfg:        cfg,
		logger:     logger,
		service:    service,
		reconciler: reconciler,
		resolver:   resolver,
		directory:  directory,
		allowList:  allowList,
	}
	server.router = server.setupRouter()
	return server, nil
}

// Router exposes the gin engine, primarily for tests.
func (server *Server) Router() *gin.Engine {
	return server.router
}

// Run serves until the context is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhooks/billing", server.handleWebhook)

	api := router.Group("/api")
	api.Use(server.authMiddleware())
	api.GET("/entitlement", server.handleEntitlement)
	api.POST("/purchases/confirm", server.handleConfirmPurchase)
	api.POST("/usage", server.handleUsage)
	api.GET("/history", server.handleHistory)
	api.POST("/subscription/cancel", server.handleCancelSubscription)

	admin := api.Group("/admin")
	admin.Use(server.adminMiddleware())
	admin.POST("/grants", server.handleAdminGrant)

	return router
}

func (server *Server) authMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		credential := strings.TrimPrefix(ctx.GetHeader("Authorization"), bearerPrefix)
		verified, err := server.resolver.Verify(ctx.Request.Context(), credential)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthenticated", "missing or invalid credential"))
			return
		}
		ctx.Set(identityContextKey, verified)
		ctx.Next()
	}
}

func (server *Server) adminMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		caller, ok := getIdentity(ctx)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthenticated", "missing or invalid credential"))
			return
		}
		accountID, err := entitlement.NewAccountID(caller.AccountID)
		if err != nil || !server.allowList.Allows(accountID) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin privileges required"))
			return
		}
		ctx.Next()
	}
}

func (server *Server) handleWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	result, err := server.reconciler.Process(ctx.Request.Context(), ctx.GetHeader(signatureHeaderName), body)
	if errors.Is(err, entitlement.ErrSignatureInvalid) {
		ctx.JSON(http.StatusUnauthorized, errorResponse("signature_invalid", "signature verification failed"))
		return
	}
	if errors.Is(err, webhook.ErrMalformedEvent) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "malformed event"))
		return
	}
	if err != nil {
		// Not acknowledged: the provider redelivers and the idempotency
		// guard makes the redelivery safe.
		server.logger.Error("webhook processing failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("processing_failed", "temporary failure"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": string(result.Status)})
}

func (server *Server) handleEntitlement(ctx *gin.Context) {
	accountID, ok := server.callerAccountID(ctx)
	if !ok {
		return
	}
	current, err := server.service.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entitlement": entitlementPayloadFrom(current)})
}

type confirmRequest struct {
	ExternalReference string `json:"external_reference"`
	SKU               string `json:"sku"`
}

func (server *Server) handleConfirmPurchase(ctx *gin.Context) {
	accountID, ok := server.callerAccountID(ctx)
	if !ok {
		return
	}
	var request confirmRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	externalReference, err := entitlement.NewExternalReference(request.ExternalReference)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "external_reference is required"))
		return
	}
	sku, err := entitlement.NewSKU(request.SKU)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "sku is required"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	result, err := server.service.ApplyPurchase(requestCtx, accountID, sku, externalReference, "")
	if errors.Is(err, context.DeadlineExceeded) {
		// The webhook may still complete this mutation; never report a
		// definitive failure on a timeout.
		ctx.JSON(http.StatusAccepted, gin.H{"status": "inconclusive"})
		return
	}
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	status := "confirmed"
	if result.Outcome == entitlement.RecordOutcomeAlreadyApplied {
		status = "already_applied"
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":      status,
		"entitlement": entitlementPayloadFrom(result.Entitlement),
	})
}

type usageRequest struct {
	ResourceID string `json:"resource_id"`
}

func (server *Server) handleUsage(ctx *gin.Context) {
	accountID, ok := server.callerAccountID(ctx)
	if !ok {
		return
	}
	var request usageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	resourceID, err := entitlement.NewResourceID(request.ResourceID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "resource_id is required"))
		return
	}
	result, err := server.service.Consume(ctx.Request.Context(), accountID, resourceID)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"unlimited":            result.Unlimited,
		"subscription_covered": result.SubscriptionCovered,
		"credits_used":         result.CreditsUsed,
		"credits_remaining":    result.CreditsRemaining,
	})
}

func (server *Server) handleHistory(ctx *gin.Context) {
	accountID, ok := server.callerAccountID(ctx)
	if !ok {
		return
	}
	before, _ := strconv.ParseInt(ctx.Query("before_unix_utc"), 10, 64)
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	entries, err := server.service.History(ctx.Request.Context(), accountID, before, limit)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	payload := make([]ledgerEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, ledgerEntryPayload{
			EntryID:           entry.EntryID,
			SKU:               entry.SKU,
			CreditsDelta:      entry.CreditsDelta,
			Kind:              entry.Kind.String(),
			ExternalReference: entry.ExternalReference,
			CreatedUnixUTC:    entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (server *Server) handleCancelSubscription(ctx *gin.Context) {
	accountID, ok := server.callerAccountID(ctx)
	if !ok {
		return
	}
	if err := server.service.CancelSubscription(ctx.Request.Context(), accountID); err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	current, err := server.service.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entitlement": entitlementPayloadFrom(current)})
}

type adminGrantRequest struct {
	Email   string `json:"email"`
	Credits int64  `json:"credits"`
}

func (server *Server) handleAdminGrant(ctx *gin.Context) {
	caller, _ := getIdentity(ctx)
	var request adminGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := entitlement.NewCreditAmount(request.Credits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_credits", "credits must be greater than zero"))
		return
	}
	resolved, err := server.directory.AccountIDByEmail(ctx.Request.Context(), request.Email)
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "no account for email"))
		return
	}
	accountID, err := entitlement.NewAccountID(resolved)
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "no account for email"))
		return
	}
	granted, err := server.service.ManualGrant(ctx.Request.Context(), accountID, amount, caller.AccountID)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entitlement": entitlementPayloadFrom(granted)})
}

func (server *Server) callerAccountID(ctx *gin.Context) (entitlement.AccountID, bool) {
	caller, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthenticated", "missing or invalid credential"))
		return entitlement.AccountID{}, false
	}
	accountID, err := entitlement.NewAccountID(caller.AccountID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthenticated", "missing or invalid credential"))
		return entitlement.AccountID{}, false
	}
	return accountID, true
}

func (server *Server) respondDomainError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, entitlement.ErrInsufficientCredits):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "not enough credits remaining"))
	case errors.Is(err, entitlement.ErrUnknownSKU):
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_sku", "sku is not in the catalog"))
	case errors.Is(err, entitlement.ErrAccountNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "account has no entitlement row"))
	case errors.Is(err, entitlement.ErrNoActiveSubscription):
		ctx.JSON(http.StatusConflict, errorResponse("no_active_subscription", "nothing to cancel"))
	case errors.Is(err, entitlement.ErrStorageConflict):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("storage_conflict", "transient contention, retry"))
	default:
		server.logger.Error("entitlement call failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("entitlement_error", "operation failed"))
	}
}

func getIdentity(ctx *gin.Context) (identity.Identity, bool) {
	value, exists := ctx.Get(identityContextKey)
	if !exists {
		return identity.Identity{}, false
	}
	caller, ok := value.(identity.Identity)
	return caller, ok
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type entitlementPayload struct {
	AccountID                string `json:"account_id"`
	CreditsRemaining         int64  `json:"credits_remaining"`
	SubscriptionTier         string `json:"subscription_tier"`
	SubscriptionStatus       string `json:"subscription_status"`
	SubscriptionStartUnixUTC int64  `json:"subscription_start_unix_utc"`
	SubscriptionEndUnixUTC   int64  `json:"subscription_end_unix_utc"`
}

type ledgerEntryPayload struct {
	EntryID           string `json:"entry_id"`
	SKU               string `json:"sku,omitempty"`
	CreditsDelta      int64  `json:"credits_delta"`
	Kind              string `json:"kind"`
	ExternalReference string `json:"external_reference"`
	CreatedUnixUTC    int64  `json:"created_unix_utc"`
}

func entitlementPayloadFrom(current entitlement.Entitlement) entitlementPayload {
	return entitlementPayload{
		AccountID:                current.AccountID,
		CreditsRemaining:         current.CreditsRemaining,
		SubscriptionTier:         current.SubscriptionTier.String(),
		SubscriptionStatus:       current.SubscriptionStatus.String(),
		SubscriptionStartUnixUTC: current.SubscriptionStartUnixUTC,
		SubscriptionEndUnixUTC:   current.SubscriptionEndUnixUTC,
	}
}
