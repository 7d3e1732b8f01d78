package pricelist

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrMalformedDocument reports a price-list file whose terms section is
// missing required structure for a SKU that matched in the products section.
// A document that resolved but cannot be walked means the matching logic is
// out of sync with the provider schema, so this is fatal rather than a skip.
var ErrMalformedDocument = errors.New("malformed price list document")

// Extractor pulls on-demand USD prices out of price-list documents.
//
// Matching is deliberately loose: instance type + operating system only,
// with the preferred region applied as a tie-break rather than a filter.
// Strict location matching silently drops whole years of price files whose
// attribute encodings differ from the current schema.
type Extractor struct {
	// PreferredRegion is the region code used to break ties between
	// offers that match on instance type and OS.
	PreferredRegion string

	// OperatingSystem defaults to "Linux" when empty.
	OperatingSystem string
}

// Extract returns the on-demand USD price for instanceType, or ok=false when
// the document contains no matching offer. Candidate SKUs are ordered
// lexicographically so the same document always yields the same price.
func (x *Extractor) Extract(doc *Document, instanceType string) (decimal.Decimal, bool, error) {
	os := x.OperatingSystem
	if os == "" {
		os = "Linux"
	}

	var preferred, rest []string
	for sku, product := range doc.Products {
		attrs := product.Attributes
		if attrs["instanceType"] != instanceType || attrs["operatingSystem"] != os {
			continue
		}
		if x.matchesRegion(attrs) {
			preferred = append(preferred, sku)
		} else {
			rest = append(rest, sku)
		}
	}

	candidates := preferred
	if len(candidates) == 0 {
		candidates = rest
	}
	if len(candidates) == 0 {
		return decimal.Decimal{}, false, nil
	}
	sort.Strings(candidates)
	sku := candidates[0]

	price, err := onDemandUSD(doc, sku)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	return price, true, nil
}

func (x *Extractor) matchesRegion(attrs map[string]string) bool {
	if x.PreferredRegion == "" {
		return false
	}
	if attrs["regionCode"] == x.PreferredRegion {
		return true
	}
	return attrs["location"] == locationName(x.PreferredRegion)
}

// onDemandUSD resolves the single on-demand price dimension for a SKU.
// Term and dimension keys are sorted before taking the first entry so the
// expected exactly-one case stays deterministic if the provider ever ships
// more than one.
func onDemandUSD(doc *Document, sku string) (decimal.Decimal, error) {
	termMap, ok := doc.Terms.OnDemand[sku]
	if !ok || len(termMap) == 0 {
		return decimal.Decimal{}, fmt.Errorf("sku %s: no OnDemand term: %w", sku, ErrMalformedDocument)
	}
	term := termMap[firstSortedKey(termMap)]
	if len(term.PriceDimensions) == 0 {
		return decimal.Decimal{}, fmt.Errorf("sku %s: no price dimensions: %w", sku, ErrMalformedDocument)
	}
	dim := term.PriceDimensions[firstSortedKey(term.PriceDimensions)]

	raw, ok := dim.PricePerUnit["USD"]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("sku %s: no USD price: %w", sku, ErrMalformedDocument)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("sku %s: parse price %q: %w", sku, raw, ErrMalformedDocument)
	}
	return price, nil
}

func firstSortedKey[V any](m map[string]V) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}
