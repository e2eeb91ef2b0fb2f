package utils

import (
	"strconv"
	"strings"
)

// ParseSlotNumber extracts the trailing number of a slot id such as
// "slot_2", "A-14" or "7".
func ParseSlotNumber(slotID string) (int, bool) {
	trimmed := strings.TrimSpace(slotID)
	prefix := strings.TrimRightFunc(trimmed, func(r rune) bool {
		return r >= '0' && r <= '9'
	})
	digits := trimmed[len(prefix):]
	if digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

// NormalizeSlotID trims and lowercases an id so lookups are not sensitive to
// how the calibration tooling spelled it.
func NormalizeSlotID(raw string) string {
	normalized := strings.TrimSpace(raw)
	normalized = strings.ReplaceAll(normalized, " ", "_")
	normalized = strings.ToLower(normalized)
	return normalized
}
