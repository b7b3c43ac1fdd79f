package broker

import (
	"errors"
	"fmt"
	"strings"
)

// FailKind classifies a terminal request failure by behavior.
type FailKind int

const (
	// FailClient is an HTTP 4xx (other than 429) or a broker-level
	// rejection. Never retried.
	FailClient FailKind = iota
	// FailServer is an HTTP 5xx (or exhausted 429s) after the final retry.
	FailServer
	// FailNetwork is a transport failure after the final retry.
	FailNetwork
)

func (k FailKind) String() string {
	switch k {
	case FailClient:
		return "client"
	case FailServer:
		return "server"
	case FailNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// APIError is a terminal broker request failure with the broker's own code
// and message preserved for classification and logging.
type APIError struct {
	Kind          FailKind
	Status        int
	BrokerCode    string
	BrokerMessage string
	Attempts      int
	Err           error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("broker %s error (status %d", e.Kind, e.Status)
	if e.BrokerCode != "" {
		msg += ", code " + e.BrokerCode
	}
	msg += ")"
	if e.BrokerMessage != "" {
		msg += ": " + e.BrokerMessage
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// IsClientError reports whether err is a terminal 4xx/broker rejection.
func IsClientError(err error) bool { return hasKind(err, FailClient) }

// IsServerError reports whether err is a terminal 5xx failure.
func IsServerError(err error) bool { return hasKind(err, FailServer) }

// IsNetworkError reports whether err is a terminal transport failure.
func IsNetworkError(err error) bool { return hasKind(err, FailNetwork) }

// IsUnknownOutcome reports whether an order submission may have reached the
// broker despite failing locally: server and network failures leave the
// order state unknown, client rejections do not.
func IsUnknownOutcome(err error) bool {
	return IsServerError(err) || IsNetworkError(err)
}

func hasKind(err error, kind FailKind) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}

// Broker gateway code returned inside HTTP 500 bodies when the per-second
// transaction cap is exceeded. First-class: this 500 is a rate limit, not a
// server fault.
const gatewayRateLimitCode = "EGW00201"

// Rate-limit phrases the broker embeds in otherwise-successful responses.
var rateLimitPhrases = []string{
	"초당 거래건수를 초과",
	"per-second transaction count exceeded",
	"EGW00201",
}

// isRateLimitMessage reports whether a broker message indicates throttling.
func isRateLimitMessage(msg string) bool {
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
