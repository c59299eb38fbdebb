package search

import (
	"strings"

	"bitbucket.org/mmdatafocus/subscriptions_backend/utils"
)

// emailVariants generates plausible spellings of the same mailbox: gmail-style dot
// removal in the local part and underscore/dot swaps. The original is included.
func emailVariants(email string) []string {
	variants := []string{email}
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return variants
	}
	local, domain := email[:at], email[at:]
	variants = append(variants, strings.ReplaceAll(local, ".", "")+domain)
	variants = append(variants, strings.ReplaceAll(local, "_", ".")+domain)
	variants = append(variants, strings.ReplaceAll(local, ".", "_")+domain)
	return utils.UniqueSlice(variants)
}

// referencePatterns generates LIKE patterns for an external reference or order id:
// case variants plus a wildcard-wrapped containment pattern.
func referencePatterns(ref string) []string {
	patterns := []string{ref, strings.ToUpper(ref), strings.ToLower(ref), "%" + ref + "%"}
	return utils.UniqueSlice(patterns)
}

// phonePatterns matches on trailing digit suffixes so differently-prefixed encodings
// of the same number (with/without country code) still collide.
func phonePatterns(digits string) []string {
	var patterns []string
	if len(digits) >= 10 {
		patterns = append(patterns, "%"+digits[len(digits)-10:])
	}
	if len(digits) >= 8 {
		patterns = append(patterns, "%"+digits[len(digits)-8:])
	}
	if len(patterns) == 0 && digits != "" {
		patterns = append(patterns, "%"+digits)
	}
	return utils.UniqueSlice(patterns)
}
