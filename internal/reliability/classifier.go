package reliability

import "time"

// IsQuotaHTTPStatus reports statuses that mean the caller ran out of quota or
// credit with the upstream provider.
func IsQuotaHTTPStatus(code int) bool {
	switch code {
	case 402, 429:
		return true
	default:
		return false
	}
}

// IsUnavailableHTTPStatus reports statuses that mean the provider cannot serve
// right now but a sibling provider might.
func IsUnavailableHTTPStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
