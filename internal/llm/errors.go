package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a provider-reported failure: a non-2xx status or an error
// object embedded in the response body.
type APIError struct {
	StatusCode int // zero when the error came from a 200 body
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway error: %s", e.Message)
}

// quotaKeywords mark provider messages that indicate the credential's
// allowance is spent rather than a structural failure.
var quotaKeywords = []string{
	"quota",
	"rate limit",
	"rate_limit",
	"credits",
	"billing",
	"payment",
}

// IsQuotaError reports whether err is a quota-class failure: HTTP 429
// or 402, or a message naming quota, rate limits, credits, billing or
// payment. Quota-class failures are retried by rotating credentials;
// everything else propagates.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == http.StatusPaymentRequired {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range quotaKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
