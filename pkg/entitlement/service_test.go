package entitlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/entitlement/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
)

const testNowUnixUTC int64 = 1_700_000_000

func fixedClock(at int64) func() int64 {
	return func() int64 { return at }
}

func mustAccountID(test *testing.T, raw string) entitlement.AccountID {
	test.Helper()
	accountID, err := entitlement.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustSKU(test *testing.T, raw string) entitlement.SKU {
	test.Helper()
	sku, err := entitlement.NewSKU(raw)
	if err != nil {
		test.Fatalf("sku: %v", err)
	}
	return sku
}

func mustReference(test *testing.T, raw string) entitlement.ExternalReference {
	test.Helper()
	reference, err := entitlement.NewExternalReference(raw)
	if err != nil {
		test.Fatalf("external reference: %v", err)
	}
	return reference
}

func mustResourceID(test *testing.T, raw string) entitlement.ResourceID {
	test.Helper()
	resourceID, err := entitlement.NewResourceID(raw)
	if err != nil {
		test.Fatalf("resource id: %v", err)
	}
	return resourceID
}

func mustCreditAmount(test *testing.T, raw int64) entitlement.CreditAmount {
	test.Helper()
	amount, err := entitlement.NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("credit amount: %v", err)
	}
	return amount
}

func newTestService(test *testing.T, store entitlement.Store, options ...entitlement.ServiceOption) *entitlement.Service {
	test.Helper()
	service, err := entitlement.NewService(store, entitlement.DefaultCatalog(), fixedClock(testNowUnixUTC), options...)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}

func TestApplyPurchaseGrantsPackCredits(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := newTestService(test, store)
	accountID := mustAccountID(test, "acct-1")

	result, err := service.ApplyPurchase(context.Background(), accountID, mustSKU(test, "5_pack"), mustReference(test, "txn-1"), "")
	if err != nil {
		test.Fatalf("apply purchase: %v", err)
	}
	if result.Outcome != entitlement.RecordOutcomeApplied {
		test.Fatalf("expected applied, got %s", result.Outcome)
	}
	if result.Entitlement.CreditsRemaining != 5 {
		test.Fatalf("expected 5 credits, got %d", result.Entitlement.CreditsRemaining)
	}
	entries := store.LedgerEntries()
	if len(entries) != 1 {
		test.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	if entries[0].Kind != entitlement.LedgerKindPurchase {
		test.Fatalf("expected purchase kind, got %s", entries[0].Kind)
	}
}

func TestApplyPurchaseDuplicateDeliveriesApplyOnce(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := newTestService(test, store)
	accountID := mustAccountID(test, "acct-dup")
	sku := mustSKU(test, "20_pack")
	reference := mustReference(test, "txn-dup")

	for attempt := 0; attempt < 4; attempt++ {
		result, err := service.ApplyPurchase(context.Background(), accountID, sku, reference, "")
		if err != nil {
			test.Fatalf("delivery %d: %v", attempt, err)
		}
		if attempt == 0 && result.Outcome != entitlement.RecordOutcomeApplied {
			test.Fatalf("first delivery should apply, got %s", result.Outcome)
		}
		if attempt > 0 && result.Outcome != entitlement.RecordOutcomeAlreadyApplied {
			test.Fatalf("redelivery %d should be already applied, got %s", attempt, result.Outcome)
		}
	}

	current, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if current.CreditsRemaining != 20 {
		test.Fatalf("expected 20 credits after duplicates, got %d", current.CreditsRemaining)
	}
	if got := len(store.LedgerEntries()); got != 1 {
		test.Fatalf("expected 1 ledger entry, got %d", got)
	}
}

func TestApplyPurchaseRaceProducesOneLedgerEntry(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := newTestService(test, store)
	accountID := mustAccountID(test, "acct-race")
	sku := mustSKU(test, "5_pack")
	reference := mustReference(test, "txn-race")

	outcomes := make(chan entitlement.RecordOutcome, 2)
	var group sync.WaitGroup
	for worker := 0; worker < 2; worker++ {
		group.Add(1)
		go func() {
			defer group.Done()
			result, err := service.ApplyPurchase(context.Background(), accountID, sku, reference, "")
			if err != nil {
				test.Errorf("apply purchase: %v", err)
				return
			}
			outcomes <- result.Outcome
		}()
	}
	group.Wait()
	close(outcomes)

	applied := 0
	for outcome := range outcomes {
		if outcome == entitlement.RecordOutcomeApplied {
			applied++
		}
	}
	if applied != 1 {
		test.Fatalf("expected exactly one applied outcome, got %d", applied)
	}
	if got := len(store.LedgerEntries()); got != 1 {
		test.Fatalf("expected 1 ledger entry after race, got %d", got)
	}
	current, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if current.CreditsRemaining != 5 {
		test.Fatalf("expected 5 credits after race, got %d", current.CreditsRemaining)
	}
}

func TestApplyPurchaseUnknownSKU(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := newTestService(test, store)

	_, err := service.ApplyPurchase(context.Background(), mustAccountID(test, "acct-unknown"), mustSKU(test, "999_pack"), mustReference(test, "txn-x"), "")
	if !errors.Is(err, entitlement.ErrUnknownSKU) {
		test.Fatalf("expected ErrUnknownSKU, got %v", err)
	}
	if got := len(store.LedgerEntries()); got != 0 {
		test.Fatalf("expected no ledger entries, got %d", got)
	}
}

func TestSubscriptionActivationCoversUsage(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := newTestService(test, store)
	accountID := mustAccountID(test, "acct-sub")

	result, err := service.ApplyPurchase(context.Background(), accountID, mustSKU(test, "pro_monthly"), mustReference(test, "txn-sub"), "sub-provider-9")
	if err != nil {
		test.Fatalf("apply subscription: %v", err)
	}
	current := result.Entitlement
	if current.SubscriptionTier != entitlement.TierPro {
		test.Fatalf("expected pro tier, got %s", current.SubscriptionTier)
	}
	if current.SubscriptionStatus != entitlement.SubscriptionStatusActive {
		test.Fatalf("expected active status, got %s", current.SubscriptionStatus)
	}
	expectedEnd := testNowUnixUTC + 30*24*60*60
	if current.SubscriptionStartUnixUTC != testNowUnixUTC || current.SubscriptionEndUnixUTC != expectedEnd {
		test.Fatalf("unexpected window: start=%d end=%d", current.SubscriptionStartUnixUTC, current.SubscriptionEndUnixUTC)
	}
	if current.ExternalSubscriptionRef != "sub-provider-9" {
		test.Fatalf("unexpected subscription ref %q", current.ExternalSubscriptionRef)
	}

	for call := 0; call < 3; call++ {
		usage, err := service.Consume(context.Background(), accountID, mustResourceID(test, fmt.Sprintf("doc-%d", call)))
		if err != nil {
			test.Fatalf("consume %d: %v", call, err)
		}
		if !usage.SubscriptionCovered {
			test.Fatalf("consume %d should be subscription covered", call)
		}
		if usage.CreditsUsed != 0 {
			test.Fatalf("consume %d should cost nothing, used %d", call, usage.CreditsUsed)
		}
	}
	after, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if after.CreditsRemaining != 0 {
		test.Fatalf("subscription usage must not touch credits, got %d", after.CreditsRemaining)
	}
	records := store.UsageRecords()
	if len(records) != 3 {
		test.Fatalf("expected 3 zero-cost usage records, got %d", len(records))
	}
	for _, record := range records {
		if record.CreditsUsed != 0 {
			test.Fatalf("expected zero-cost record, got %d", record.CreditsUsed)
		}
	}
}

func TestExpiredSubscriptionFallsBackToCredits(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := newTestService(test, store)
	accountID := mustAccountID(test, "acct-expired")

	if _, err := service.ApplyPurchase(context.Background(), accountID, mustSKU(test, "pro_monthly"), mustReference(test, "txn-exp"), ""); err != nil {
		test.Fatalf("apply subscription: %v", err)
	}

	// A clock past the window: the pro flag no longer covers usage.
	lateService, err := entitlement.NewService(store, entitlement.DefaultCatalog(), fixedClock(testNowUnixUTC+31*24*60*60))
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	_, consumeErr := lateService.Consume(context.Background(), accountID, mustResourceID(test, "doc-late"))
	if !errors.Is(consumeErr, entitlement.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits past window, got %v", consumeErr)
	}
}

func TestConsumeRoundTripExhaustsPack(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := newTestService(test, store)
	accountID := mustAccountID(test, "acct-round")

	if _, err := service.ApplyPurchase(context.Background(), accountID, mustSKU(test, "5_pack"), mustReference(test, "txn-round"), ""); err != nil {
		test.Fatalf("apply purchase: %v", err)
	}
	for call := 0; call < 5; call++ {
		usage, err := service.Consume(context.Background(), accountID, mustResourceID(test, fmt.Sprintf("doc-%d", call)))
		if err != nil {
			test.Fatalf("consume %d: %v", call, err)
		}
		if usage.CreditsUsed != 1 {
			test.Fatalf("consume %d should cost one credit", call)
		}
	}
	current, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if current.CreditsRemaining != 0 {
		test.Fatalf("expected 0 credits after round trip, got %d", current.CreditsRemaining)
	}
	_, consumeErr := service.Consume(context.Background(), accountID, mustResourceID(test, "doc-6"))
	if !errors.Is(consumeErr, entitlement.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits on sixth call, got %v", consumeErr)
	}
}

func TestConcurrentConsumeCannotDoubleSpend(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := newTestService(test, store)
	accountID := mustAccountID(test, "acct-spend")

	if _, err := service.ManualGrant(context.Background(), accountID, mustCreditAmount(test, 1), "test"); err != nil {
		test.Fatalf("manual grant: %v", err)
	}

	results := make(chan error, 2)
	var group sync.WaitGroup
	for worker := 0; worker < 2; worker++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			_, err := service.Consume(context.Background(), accountID, mustResourceID(test, fmt.Sprintf("doc-%d", index)))
			results <- err
		}(worker)
	}
	group.Wait()
	close(results)

	succeeded, insufficient := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, entitlement.ErrInsufficientCredits):
			insufficient++
		default:
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		test.Fatalf("expected one success and one rejection, got %d/%d", succeeded, insufficient)
	}
	current, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if current.CreditsRemaining != 0 {
		test.Fatalf("expected 0 credits after race, got %d", current.CreditsRemaining)
	}
}

func TestAllowListedAccountNeverMutatesBalance(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	allowList := entitlement.NewAllowList([]string{"acct-admin"})
	service := newTestService(test, store, entitlement.WithAllowList(allowList))
	accountID := mustAccountID(test, "acct-admin")

	for call := 0; call < 1000; call++ {
		usage, err := service.Consume(context.Background(), accountID, mustResourceID(test, "doc-any"))
		if err != nil {
			test.Fatalf("consume %d: %v", call, err)
		}
		if !usage.Unlimited {
			test.Fatalf("consume %d should report unlimited", call)
		}
	}
	if got := len(store.UsageRecords()); got != 0 {
		test.Fatalf("admin bypass must not write usage records, got %d", got)
	}
	if got := len(store.LedgerEntries()); got != 0 {
		test.Fatalf("admin bypass must not write ledger entries, got %d", got)
	}
}

func TestManualGrantAddsCreditsAndLedgerEntry(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := newTestService(test, store)
	accountID := mustAccountID(test, "acct-manual")

	if _, err := service.ManualGrant(context.Background(), accountID, mustCreditAmount(test, 2), "ops"); err != nil {
		test.Fatalf("first grant: %v", err)
	}
	current, err := service.ManualGrant(context.Background(), accountID, mustCreditAmount(test, 3), "ops")
	if err != nil {
		test.Fatalf("second grant: %v", err)
	}
	if current.CreditsRemaining != 5 {
		test.Fatalf("expected 5 credits, got %d", current.CreditsRemaining)
	}
	entries := store.LedgerEntries()
	if len(entries) != 2 {
		test.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Kind != entitlement.LedgerKindManual {
			test.Fatalf("expected manual kind, got %s", entry.Kind)
		}
		if entry.ExternalReference == "" {
			test.Fatal("manual entry must carry a synthetic reference")
		}
		if entry.MetadataJSON != `{"granted_by":"ops"}` {
			test.Fatalf("unexpected grant metadata %q", entry.MetadataJSON)
		}
	}
	if entries[0].ExternalReference == entries[1].ExternalReference {
		test.Fatal("synthetic references must be unique")
	}
}

type recordingBillingProvider struct {
	mutex     sync.Mutex
	cancelled []string
	fail      bool
}

func (provider *recordingBillingProvider) CancelSubscription(_ context.Context, externalSubscriptionRef string) error {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	if provider.fail {
		return errors.New("provider unavailable")
	}
	provider.cancelled = append(provider.cancelled, externalSubscriptionRef)
	return nil
}

func TestCancelSubscriptionCallsProviderBeforeDeactivating(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	provider := &recordingBillingProvider{}
	service := newTestService(test, store, entitlement.WithBillingProvider(provider))
	accountID := mustAccountID(test, "acct-cancel")

	if _, err := service.ApplyPurchase(context.Background(), accountID, mustSKU(test, "pro_monthly"), mustReference(test, "txn-cancel"), "sub-77"); err != nil {
		test.Fatalf("apply subscription: %v", err)
	}
	if err := service.CancelSubscription(context.Background(), accountID); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if len(provider.cancelled) != 1 || provider.cancelled[0] != "sub-77" {
		test.Fatalf("provider not called with subscription ref: %v", provider.cancelled)
	}
	current, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if current.SubscriptionStatus != entitlement.SubscriptionStatusInactive {
		test.Fatalf("expected inactive status, got %s", current.SubscriptionStatus)
	}
	if current.SubscriptionTier == entitlement.TierPro {
		test.Fatal("tier must not stay pro after cancellation")
	}
}

func TestCancelSubscriptionProviderFailureLeavesStateUntouched(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	provider := &recordingBillingProvider{fail: true}
	service := newTestService(test, store, entitlement.WithBillingProvider(provider))
	accountID := mustAccountID(test, "acct-cancel-fail")

	if _, err := service.ApplyPurchase(context.Background(), accountID, mustSKU(test, "pro_monthly"), mustReference(test, "txn-cancel-fail"), "sub-88"); err != nil {
		test.Fatalf("apply subscription: %v", err)
	}
	if err := service.CancelSubscription(context.Background(), accountID); err == nil {
		test.Fatal("expected provider failure to surface")
	}
	current, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if current.SubscriptionStatus != entitlement.SubscriptionStatusActive {
		test.Fatalf("subscription must stay active after provider failure, got %s", current.SubscriptionStatus)
	}
}

func TestCancelSubscriptionWithoutActiveSubscription(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := newTestService(test, store, entitlement.WithBillingProvider(&recordingBillingProvider{}))

	err := service.CancelSubscription(context.Background(), mustAccountID(test, "acct-nothing"))
	if !errors.Is(err, entitlement.ErrNoActiveSubscription) {
		test.Fatalf("expected ErrNoActiveSubscription, got %v", err)
	}
}

// conflictStore fails a fixed number of transactions with ErrStorageConflict
// before delegating, to exercise the bounded retry.
type conflictStore struct {
	entitlement.Store
	mutex     sync.Mutex
	remaining int
}

func (store *conflictStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore entitlement.Store) error) error {
	store.mutex.Lock()
	shouldFail := store.remaining > 0
	if shouldFail {
		store.remaining--
	}
	store.mutex.Unlock()
	if shouldFail {
		return entitlement.ErrStorageConflict
	}
	return store.Store.WithTx(ctx, fn)
}

func TestRetryRecoversFromTransientConflicts(test *testing.T) {
	test.Parallel()
	store := &conflictStore{Store: memstore.New(), remaining: 2}
	service := newTestService(test, store)
	accountID := mustAccountID(test, "acct-retry")

	result, err := service.ApplyPurchase(context.Background(), accountID, mustSKU(test, "5_pack"), mustReference(test, "txn-retry"), "")
	if err != nil {
		test.Fatalf("expected retries to absorb conflicts, got %v", err)
	}
	if result.Entitlement.CreditsRemaining != 5 {
		test.Fatalf("expected 5 credits, got %d", result.Entitlement.CreditsRemaining)
	}
}

func TestRetryGivesUpAfterBoundedAttempts(test *testing.T) {
	test.Parallel()
	store := &conflictStore{Store: memstore.New(), remaining: 100}
	service := newTestService(test, store)

	_, err := service.ApplyPurchase(context.Background(), mustAccountID(test, "acct-hot"), mustSKU(test, "5_pack"), mustReference(test, "txn-hot"), "")
	if !errors.Is(err, entitlement.ErrStorageConflict) {
		test.Fatalf("expected ErrStorageConflict after bounded retries, got %v", err)
	}
}
