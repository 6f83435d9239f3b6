package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// Reset values above this are treated as unix timestamps rather than relative seconds.
const epochThreshold = 1_000_000_000

var (
	limitHeaders      = []string{"X-Ratelimit-Limit", "Ratelimit-Limit", "X-Rate-Limit-Limit"}
	remainingHeaders  = []string{"X-Ratelimit-Remaining", "Ratelimit-Remaining", "X-Rate-Limit-Remaining"}
	resetHeaders      = []string{"X-Ratelimit-Reset", "Ratelimit-Reset", "X-Rate-Limit-Reset"}
	resetAfterHeaders = []string{"X-Ratelimit-Reset-After", "Retry-After"}
)

func firstHeader(header *http.Header, names []string) string {
	for _, name := range names {
		if v := header.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func parseSeconds(v string) (time.Duration, error) {
	res, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(res * float64(time.Second)), nil
}

// ExtractRateLimitData parses the common rate limit headers from an HTTP response.
func ExtractRateLimitData(statusCode int, header *http.Header) (*Description, error) {
	if header == nil {
		header = &http.Header{}
	}

	var err error
	var limit, remaining int64
	var resetAt time.Time

	if v := firstHeader(header, limitHeaders); v != "" {
		limit, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
	}

	if v := firstHeader(header, remainingHeaders); v != "" {
		remaining, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
	}

	if v := firstHeader(header, resetHeaders); v != "" {
		res, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, err
		}
		if res > epochThreshold {
			sec, frac := math.Modf(res)
			resetAt = time.Unix(int64(sec), int64(frac*1e9))
		} else {
			resetAt = time.Now().Add(time.Duration(res * float64(time.Second)))
		}
	} else if v := firstHeader(header, resetAfterHeaders); v != "" {
		wait, err := parseSeconds(v)
		if err != nil {
			return nil, err
		}
		resetAt = time.Now().Add(wait)
	}

	if statusCode == http.StatusTooManyRequests {
		if limit == 0 {
			limit = 1
		}
		remaining = 0
		if resetAt.IsZero() {
			resetAt = time.Now().Add(time.Minute)
		}
	}

	return &Description{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
