package util

import (
	"errors"
	"strings"
)

// ErrorIs reports whether any error in err's chain is of type T.
func ErrorIs[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// MatchesMIME reports whether mimeType matches pattern. Patterns may be exact
// ("application/pdf") or wildcard prefixes ("video/*").
func MatchesMIME(pattern string, mimeType string) bool {
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(mimeType, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == mimeType
}
