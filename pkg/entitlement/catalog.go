package entitlement

import "fmt"

// CatalogEntry describes one purchasable item.
type CatalogEntry struct {
	SKU            string
	CreditsGranted int64
	PriceCents     int64
	IsSubscription bool
}

// Catalog is the immutable SKU table. Built once at startup, read-only after.
type Catalog struct {
	entries map[string]CatalogEntry
}

// NewCatalog validates and indexes catalog entries.
func NewCatalog(entries []CatalogEntry) (Catalog, error) {
	indexed := make(map[string]CatalogEntry, len(entries))
	for _, entry := range entries {
		if entry.SKU == "" {
			return Catalog{}, fmt.Errorf("%w: entry without sku", ErrInvalidCatalog)
		}
		if _, exists := indexed[entry.SKU]; exists {
			return Catalog{}, fmt.Errorf("%w: duplicate sku %q", ErrInvalidCatalog, entry.SKU)
		}
		if entry.CreditsGranted < 0 {
			return Catalog{}, fmt.Errorf("%w: negative credits for sku %q", ErrInvalidCatalog, entry.SKU)
		}
		if !entry.IsSubscription && entry.CreditsGranted == 0 {
			return Catalog{}, fmt.Errorf("%w: credit pack %q grants nothing", ErrInvalidCatalog, entry.SKU)
		}
		indexed[entry.SKU] = entry
	}
	return Catalog{entries: indexed}, nil
}

// Resolve looks up one SKU.
func (catalog Catalog) Resolve(sku SKU) (CatalogEntry, error) {
	entry, exists := catalog.entries[sku.String()]
	if !exists {
		return CatalogEntry{}, fmt.Errorf("%w: %q", ErrUnknownSKU, sku.String())
	}
	return entry, nil
}

// Len reports the number of catalog entries.
func (catalog Catalog) Len() int {
	return len(catalog.entries)
}

// DefaultCatalog returns the shipped credit packs and the pro subscription.
func DefaultCatalog() Catalog {
	catalog, err := NewCatalog([]CatalogEntry{
		{SKU: "5_pack", CreditsGranted: 5, PriceCents: 500},
		{SKU: "20_pack", CreditsGranted: 20, PriceCents: 1500},
		{SKU: "100_pack", CreditsGranted: 100, PriceCents: 6000},
		{SKU: "pro_monthly", CreditsGranted: 0, PriceCents: 1900, IsSubscription: true},
	})
	if err != nil {
		panic(err)
	}
	return catalog
}
