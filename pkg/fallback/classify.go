package fallback

import (
	"strings"
)

// ErrorClass is an advisory classification of a tier failure, used for
// logging and metrics. Classification never blocks cascading to the next
// strategy.
type ErrorClass string

const (
	ErrTimeout      ErrorClass = "TIMEOUT"
	ErrAuth         ErrorClass = "AUTH_ERROR"
	ErrNetwork      ErrorClass = "NETWORK_ERROR"
	ErrQueryFailed  ErrorClass = "QUERY_FAILED"
	ErrUnclassified ErrorClass = "UNKNOWN"
)

// Coded is implemented by errors that carry a structured code from the
// query layer (e.g. "PGRST301"). Codes with a query-layer prefix classify
// as QUERY_FAILED ahead of message inspection.
type Coded interface {
	Code() string
}

// queryCodePrefixes are the structured code prefixes emitted by the query
// layers we integrate with.
var queryCodePrefixes = []string{"PGRST", "QRY"}

// Classify inspects an error and assigns a class. Inspection order:
// deadline/timeout wording, auth wording, network wording, structured
// query-layer codes, then UNKNOWN.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrUnclassified
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ErrTimeout
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "auth"):
		return ErrAuth
	case strings.Contains(msg, "network") || strings.Contains(msg, "fetch"):
		return ErrNetwork
	}

	if coded, ok := err.(Coded); ok {
		code := coded.Code()
		for _, prefix := range queryCodePrefixes {
			if strings.HasPrefix(code, prefix) {
				return ErrQueryFailed
			}
		}
	}
	if strings.Contains(msg, "query") {
		return ErrQueryFailed
	}

	return ErrUnclassified
}
