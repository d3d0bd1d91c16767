package graph

import "strings"

// Sensitive-field classification is computed, not ingested: field and table
// names are matched against category keyword sets, with specificity falling
// with the looseness of the match.

// SensitiveCategory buckets a sensitive field.
type SensitiveCategory string

const (
	SensitivePII        SensitiveCategory = "pii"
	SensitiveCredential SensitiveCategory = "credential"
	SensitiveFinancial  SensitiveCategory = "financial"
	SensitiveHealth     SensitiveCategory = "health"
)

var sensitiveKeywords = map[SensitiveCategory][]string{
	SensitivePII: {
		"email", "phone", "address", "ssn", "first_name", "last_name",
		"full_name", "dob", "birth_date", "passport", "national_id",
	},
	SensitiveCredential: {
		"password", "passwd", "secret", "token", "api_key", "apikey",
		"private_key", "salt", "credential", "session_id",
	},
	SensitiveFinancial: {
		"card_number", "cvv", "iban", "account_number", "routing_number",
		"balance", "salary", "tax_id",
	},
	SensitiveHealth: {
		"diagnosis", "prescription", "medical", "blood_type", "allergy",
		"condition", "treatment",
	},
}

// categoryOrder fixes match precedence when a name hits several categories.
var categoryOrder = []SensitiveCategory{
	SensitiveCredential, SensitiveHealth, SensitiveFinancial, SensitivePII,
}

// ClassifySensitive reports the category and specificity of a field name,
// or false when nothing sensitive matches. Exact keyword matches score 0.9;
// substring matches score 0.6.
func ClassifySensitive(field string) (SensitiveCategory, float64, bool) {
	var f = strings.ToLower(field)
	for _, category := range categoryOrder {
		for _, kw := range sensitiveKeywords[category] {
			if f == kw {
				return category, 0.9, true
			}
		}
	}
	for _, category := range categoryOrder {
		for _, kw := range sensitiveKeywords[category] {
			if strings.Contains(f, kw) {
				return category, 0.6, true
			}
		}
	}
	return "", 0, false
}

// accessIsSensitive reports whether any named field of an access (or its
// table name) classifies as sensitive.
func accessIsSensitive(a AccessRow) bool {
	if _, _, ok := ClassifySensitive(a.Table); ok {
		return true
	}
	for _, f := range a.Fields {
		if _, _, ok := ClassifySensitive(f); ok {
			return true
		}
	}
	return false
}
