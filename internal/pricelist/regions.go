package pricelist

// locationName maps a region code to the human-readable location string the
// Pricing API uses in product attributes. Older price files carry only the
// location, newer ones carry regionCode as well, so the extractor accepts
// either form when applying the region preference.
func locationName(code string) string {
	mapping := map[string]string{
		"us-east-1":      "US East (N. Virginia)",
		"us-east-2":      "US East (Ohio)",
		"us-west-1":      "US West (N. California)",
		"us-west-2":      "US West (Oregon)",
		"eu-west-1":      "EU (Ireland)",
		"eu-west-2":      "EU (London)",
		"eu-west-3":      "EU (Paris)",
		"eu-central-1":   "EU (Frankfurt)",
		"ap-southeast-1": "Asia Pacific (Singapore)",
		"ap-southeast-2": "Asia Pacific (Sydney)",
		"ap-northeast-1": "Asia Pacific (Tokyo)",
	}
	if name, ok := mapping[code]; ok {
		return name
	}
	return code
}
