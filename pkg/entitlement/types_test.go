package entitlement_test

import (
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
)

func TestNewAccountIDRejectsBlank(test *testing.T) {
	test.Parallel()
	if _, err := entitlement.NewAccountID("   "); !errors.Is(err, entitlement.ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
}

func TestNewAccountIDTrims(test *testing.T) {
	test.Parallel()
	accountID, err := entitlement.NewAccountID("  acct-1  ")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if accountID.String() != "acct-1" {
		test.Fatalf("expected trimmed value, got %q", accountID.String())
	}
}

func TestNewCreditAmountRejectsNonPositive(test *testing.T) {
	test.Parallel()
	for _, raw := range []int64{0, -1, -100} {
		if _, err := entitlement.NewCreditAmount(raw); !errors.Is(err, entitlement.ErrInvalidCreditAmount) {
			test.Fatalf("amount %d: expected ErrInvalidCreditAmount, got %v", raw, err)
		}
	}
}

func TestNewMetadataJSONDefaultsAndValidates(test *testing.T) {
	test.Parallel()
	metadata, err := entitlement.NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected empty object default, got %q", metadata.String())
	}
	if _, err := entitlement.NewMetadataJSON("{not json"); !errors.Is(err, entitlement.ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestParseLedgerKind(test *testing.T) {
	test.Parallel()
	kind, err := entitlement.ParseLedgerKind("purchase")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if kind != entitlement.LedgerKindPurchase {
		test.Fatalf("unexpected kind %s", kind)
	}
	if _, err := entitlement.ParseLedgerKind("refund"); !errors.Is(err, entitlement.ErrInvalidLedgerKind) {
		test.Fatalf("expected ErrInvalidLedgerKind, got %v", err)
	}
}

func TestSubscriptionCovers(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name        string
		entitlement entitlement.Entitlement
		nowUnixUTC  int64
		covered     bool
	}{
		{
			name: "active pro inside window",
			entitlement: entitlement.Entitlement{
				SubscriptionTier:       entitlement.TierPro,
				SubscriptionStatus:     entitlement.SubscriptionStatusActive,
				SubscriptionEndUnixUTC: 2000,
			},
			nowUnixUTC: 1000,
			covered:    true,
		},
		{
			name: "trial pro inside window",
			entitlement: entitlement.Entitlement{
				SubscriptionTier:       entitlement.TierPro,
				SubscriptionStatus:     entitlement.SubscriptionStatusTrial,
				SubscriptionEndUnixUTC: 2000,
			},
			nowUnixUTC: 1000,
			covered:    true,
		},
		{
			name: "expired window",
			entitlement: entitlement.Entitlement{
				SubscriptionTier:       entitlement.TierPro,
				SubscriptionStatus:     entitlement.SubscriptionStatusActive,
				SubscriptionEndUnixUTC: 2000,
			},
			nowUnixUTC: 2000,
			covered:    false,
		},
		{
			name: "inactive pro",
			entitlement: entitlement.Entitlement{
				SubscriptionTier:       entitlement.TierPro,
				SubscriptionStatus:     entitlement.SubscriptionStatusInactive,
				SubscriptionEndUnixUTC: 2000,
			},
			nowUnixUTC: 1000,
			covered:    false,
		},
		{
			name: "credits tier",
			entitlement: entitlement.Entitlement{
				SubscriptionTier:   entitlement.TierCredits,
				SubscriptionStatus: entitlement.SubscriptionStatusActive,
			},
			nowUnixUTC: 1000,
			covered:    false,
		},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := testCase.entitlement.SubscriptionCovers(testCase.nowUnixUTC); got != testCase.covered {
				test.Fatalf("expected covered=%v, got %v", testCase.covered, got)
			}
		})
	}
}
