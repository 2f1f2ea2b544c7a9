// Package classify implements the single shared error taxonomy used by
// the queue, reaper, executor, and worker loop so that strict-mode
// decisions and retry-backoff decisions always agree (spec §4.3, §7).
package classify

import "strings"

// Category is one of the canonical error categories. Every site that
// catches a remote-API failure funnels through Classify to produce one,
// rather than branching on ad-hoc string matches.
type Category string

const (
	CategoryAuthError       Category = "auth_error"
	CategoryAuthMissing     Category = "auth_missing"
	CategoryAuthInvalid     Category = "auth_invalid"
	CategoryPermissionDenied Category = "permission_denied"
	CategoryRepoNotFound    Category = "repo_not_found"
	CategoryRepoTypeUnknown Category = "repo_type_unknown"

	CategoryRateLimit Category = "rate_limit"
	CategoryTimeout   Category = "timeout"
	CategoryNetwork   Category = "network"
	CategoryServerError Category = "server_error"
	CategoryConnection Category = "connection"
	CategoryLeaseLost Category = "lease_lost"

	CategoryLockHeld Category = "lock_held"

	CategoryUnknown Category = ""
)

var permanentCategories = map[Category]bool{
	CategoryAuthError:        true,
	CategoryAuthMissing:      true,
	CategoryAuthInvalid:      true,
	CategoryPermissionDenied: true,
	CategoryRepoNotFound:     true,
	CategoryRepoTypeUnknown:  true,
}

var transientCategories = map[Category]bool{
	CategoryRateLimit:   true,
	CategoryTimeout:     true,
	CategoryNetwork:     true,
	CategoryServerError: true,
	CategoryConnection:  true,
	CategoryLeaseLost:   true,
}

// IsPermanent reports whether c is in the permanent set (§4.3): the
// executor/queue should short-circuit directly to mark_dead.
func (c Category) IsPermanent() bool { return permanentCategories[c] }

// IsTransient reports whether c is in the transient set: the caller
// should schedule a fail_retry with a category-specific backoff.
func (c Category) IsTransient() bool { return transientCategories[c] }

// IsIgnored reports whether c is lock_held: not a failure, not
// attempts-counting.
func (c Category) IsIgnored() bool { return c == CategoryLockHeld }

// Classification is the structured result of classifying one error.
type Classification struct {
	Category       Category
	StatusCode     int
	Message        string
	IsUnrecoverable bool // permanent OR transient-but-exhausted-at-this-call-site
}

// Classify inspects a status code (0 if unknown) and message to produce
// a Classification. Status codes are checked first (most reliable),
// then the message is scanned for category keywords.
func Classify(statusCode int, message string) Classification {
	cat := classifyStatusCode(statusCode)
	if cat == CategoryUnknown {
		cat = classifyMessage(message)
	}
	return Classification{
		Category:        cat,
		StatusCode:      statusCode,
		Message:         message,
		IsUnrecoverable: cat.IsPermanent() || cat.IsTransient(),
	}
}

func classifyStatusCode(code int) Category {
	switch {
	case code == 401:
		return CategoryAuthInvalid
	case code == 403:
		return CategoryPermissionDenied
	case code == 404:
		return CategoryRepoNotFound
	case code == 429:
		return CategoryRateLimit
	case code == 502 || code == 503 || code == 504:
		return CategoryServerError
	case code >= 500:
		return CategoryServerError
	default:
		return CategoryUnknown
	}
}

// classifyMessage scans free-form error text for keywords, used when no
// structured status code is available (e.g. the svn CLI wrapper).
func classifyMessage(message string) Category {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "lock"):
		return CategoryLockHeld
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return CategoryRateLimit
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return CategoryTimeout
	case strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "504") || strings.Contains(lower, "bad gateway") || strings.Contains(lower, "service unavailable"):
		return CategoryServerError
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") || strings.Contains(lower, "no such host") || strings.Contains(lower, "econnrefused"):
		return CategoryConnection
	case strings.Contains(lower, "network"):
		return CategoryNetwork
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized"):
		return CategoryAuthInvalid
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden") || strings.Contains(lower, "permission denied"):
		return CategoryPermissionDenied
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		return CategoryRepoNotFound
	case strings.Contains(lower, "no token") || strings.Contains(lower, "missing credential"):
		return CategoryAuthMissing
	case strings.Contains(lower, "unknown repo type") || strings.Contains(lower, "unsupported repo type"):
		return CategoryRepoTypeUnknown
	default:
		return CategoryUnknown
	}
}
