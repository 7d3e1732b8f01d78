// Package pricelist resolves historical AWS price-list documents and
// extracts on-demand instance prices from them.
package pricelist

// Document is one decoded AWS price-list file for a single effective date.
// Only the sections needed for on-demand lookups are mapped; the rest of
// the file (several MB of attributes) is dropped during decode.
type Document struct {
	Version         string             `json:"version"`
	PublicationDate string             `json:"publicationDate"`
	Products        map[string]Product `json:"products"`
	Terms           Terms              `json:"terms"`
}

// Product is one SKU entry in the products section.
type Product struct {
	SKU           string            `json:"sku"`
	ProductFamily string            `json:"productFamily"`
	Attributes    map[string]string `json:"attributes"`
}

// Terms holds the pricing terms, keyed by SKU. Reserved terms exist in the
// file but are never consulted.
type Terms struct {
	OnDemand map[string]map[string]Term `json:"OnDemand"`
}

// Term is one offer term. On-demand SKUs are expected to expose exactly one.
type Term struct {
	OfferTermCode   string                    `json:"offerTermCode"`
	PriceDimensions map[string]PriceDimension `json:"priceDimensions"`
}

// PriceDimension carries the unit price, keyed by currency code.
type PriceDimension struct {
	RateCode     string            `json:"rateCode"`
	Unit         string            `json:"unit"`
	PricePerUnit map[string]string `json:"pricePerUnit"`
}
