package gateway

import (
	"errors"
	"strconv"
	"strings"

	"github.com/outcomefi/prediction-backend/internal/apperr"
)

const (
	errorCodeMarker   = "Error Code:"
	errorNumberMarker = "Error Number:"
)

// classifyRPCFailure turns raw RPC or simulation failure output into a
// structured program error when the anchor error markers are present, and a
// dependency error otherwise. Logs are folded into the detail either way.
func classifyRPCFailure(op, message string, logs []string) error {
	combined := message
	if len(logs) > 0 {
		combined = combined + "\n" + strings.Join(logs, "\n")
	}

	code, codeOK := extractMarker(combined, errorCodeMarker)
	numberText, numberOK := extractMarker(combined, errorNumberMarker)
	if codeOK && numberOK {
		if number, err := strconv.Atoi(numberText); err == nil {
			return &apperr.ProgramError{
				Code:   code,
				Number: number,
				Detail: combined,
			}
		}
	}

	return apperr.Dependency(op, errors.New(combined))
}

// extractMarker pulls the token following a marker, trimmed of the trailing
// period anchor logs use as a separator.
func extractMarker(text, marker string) (string, bool) {
	idx := strings.Index(text, marker)
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(text[idx+len(marker):])
	if rest == "" {
		return "", false
	}

	end := len(rest)
	if dot := strings.IndexAny(rest, ".\n"); dot >= 0 {
		end = dot
	}
	value := strings.TrimSpace(rest[:end])
	if value == "" {
		return "", false
	}
	return value, true
}
