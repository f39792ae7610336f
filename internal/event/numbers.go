package event

import "strings"

// Number helpers shared by correlation and notification code.
//
// The engine never formats numbers for display; it only needs to tell
// extensions apart from external numbers and to spot placeholder values the
// PBX emits when a party is not yet known.

// IsInternalNumber reports whether num looks like an internal extension
// (short all-digit destination, typically 3-4 digits).
func IsInternalNumber(num string) bool {
	num = strings.TrimSpace(num)
	if len(num) < 2 || len(num) > 4 {
		return false
	}
	for _, c := range num {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// IsPlaceholderNumber reports whether the PBX sent a stand-in instead of a
// real party number. Notifications built from placeholders are suppressed.
func IsPlaceholderNumber(num string) bool {
	switch strings.ToLower(strings.TrimSpace(num)) {
	case "", "s", "unknown", "<unknown>", "anonymous", "none":
		return true
	}
	return false
}
