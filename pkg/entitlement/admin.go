package entitlement

import "strings"

// AllowList is the injected set of privileged account identities. Matching
// accounts bypass metering entirely; the set is fixed for the process
// lifetime and evaluated as a pure predicate by every entry point.
type AllowList struct {
	members map[string]struct{}
}

// NewAllowList builds an allow list from raw account ids, ignoring blanks.
func NewAllowList(accountIDs []string) AllowList {
	members := make(map[string]struct{}, len(accountIDs))
	for _, accountID := range accountIDs {
		trimmed := strings.TrimSpace(accountID)
		if trimmed == "" {
			continue
		}
		members[trimmed] = struct{}{}
	}
	return AllowList{members: members}
}

// Allows reports whether the account is exempt from metering.
func (allowList AllowList) Allows(accountID AccountID) bool {
	_, exempt := allowList.members[accountID.String()]
	return exempt
}

// Len reports the number of allow-listed accounts.
func (allowList AllowList) Len() int {
	return len(allowList.members)
}
