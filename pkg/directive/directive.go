// Package directive composes Cache-Control values from a response status
// and a category's TTL configuration.
package directive

import (
	"strconv"
	"strings"

	"github.com/cache-pilot/cache-pilot/pkg/category"
)

// Status classes used for TTL resolution.
const (
	ClassInfo        = "info"
	ClassOK          = "ok"
	ClassRedirects   = "redirects"
	ClassClientError = "clientError"
	ClassServerError = "serverError"
)

// Class buckets a status code into its TTL class. Statuses outside 100-599
// return an empty class and never get a directive.
func Class(status int) string {
	switch {
	case status >= 100 && status < 200:
		return ClassInfo
	case status >= 200 && status < 300:
		return ClassOK
	case status >= 300 && status < 400:
		return ClassRedirects
	case status >= 400 && status < 500:
		return ClassClientError
	case status >= 500 && status < 600:
		return ClassServerError
	}
	return ""
}

// ResolveTTL returns the lifetime in seconds for a status under the TTL
// config. An explicit per-status override wins over the class value. Zero
// means "do not cache".
func ResolveTTL(status int, ttl category.TTL) int {
	if override, ok := ttl.Overrides[status]; ok {
		return override
	}
	switch Class(status) {
	case ClassInfo:
		return ttl.Info
	case ClassOK:
		return ttl.OK
	case ClassRedirects:
		return ttl.Redirects
	case ClassClientError:
		return ttl.ClientError
	case ClassServerError:
		return ttl.ServerError
	}
	return 0
}

// Composer builds Cache-Control directive strings. Stateless; the zero
// value is ready to use.
type Composer struct{}

// Compose returns the Cache-Control value for a response status under the
// category config, or an empty string when the resolved TTL is zero (in
// which case no header should be emitted). The plain form is
// "public, max-age=N"; directive flags extend or replace parts of it.
func (Composer) Compose(status int, cfg category.Config) string {
	ttl := ResolveTTL(status, cfg.TTL)
	if ttl <= 0 {
		return ""
	}

	flags := cfg.Directives
	parts := make([]string, 0, 6)
	if flags.Private {
		parts = append(parts, "private")
	} else {
		parts = append(parts, "public")
	}
	parts = append(parts, "max-age="+strconv.Itoa(ttl))
	if flags.StaleWhileRevalidate > 0 {
		parts = append(parts, "stale-while-revalidate="+strconv.Itoa(flags.StaleWhileRevalidate))
	}
	if flags.StaleIfError > 0 {
		parts = append(parts, "stale-if-error="+strconv.Itoa(flags.StaleIfError))
	}
	if flags.MustRevalidate {
		parts = append(parts, "must-revalidate")
	}
	if flags.Immutable {
		parts = append(parts, "immutable")
	}
	if flags.NoCache {
		parts = append(parts, "no-cache")
	}
	if flags.NoStore {
		parts = append(parts, "no-store")
	}
	return strings.Join(parts, ", ")
}
