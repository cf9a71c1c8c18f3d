package engine

import (
	"math"
	"strconv"
	"strings"
)

// TQL fields carry in-band errors as the literal string "Error N".
// parseTQLError returns the decoded error text and true when the value
// is such a sentinel.
func parseTQLError(value string) (string, bool) {
	if len(value) < 6 || !strings.EqualFold(value[:6], "error ") {
		return "", false
	}
	rest := value[6:]
	code, err := strconv.Atoi(rest)
	if err != nil {
		// Any "Error ..." value is a sentinel even when the code does
		// not parse.
		return "Unknown Field Error", true
	}
	switch code {
	case 0:
		return "Field Not Found", true
	case 2:
		return "Field No Value", true
	case 3:
		return "Field Not Permissioned", true
	case 17:
		return "No Record Exists", true
	case 256:
		return "Field Reset", true
	default:
		return "Unknown Field Error", true
	}
}

// parseTQLFloat parses a price-like field, rounding to cents. Error
// sentinels and malformed values parse as 0.
func parseTQLFloat(value string) float64 {
	if _, isErr := parseTQLError(value); isErr {
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return math.Round(f*100) / 100
}

// parseTQLInt parses a size-like field; errors parse as 0.
func parseTQLInt(value string) int {
	if _, isErr := parseTQLError(value); isErr {
		return 0
	}
	// Sizes sometimes arrive with a decimal point.
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return int(f)
}

// parseTQLString passes a text field through; errors parse as "".
func parseTQLString(value string) string {
	if _, isErr := parseTQLError(value); isErr {
		return ""
	}
	return value
}
