package directive

import "strings"

// CacheControl is a parsed Cache-Control header value.
type CacheControl struct {
	m map[string]string
}

// Get returns a directive's argument. The boolean reports presence, since
// valueless directives like no-store parse to an empty argument.
func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.m[directive]
	return val, ok
}

// Restrictive reports whether the value forbids shared caching outright.
func (c CacheControl) Restrictive() bool {
	if _, ok := c.Get("no-store"); ok {
		return true
	}
	_, ok := c.Get("private")
	return ok
}

// ParseCacheControl splits a Cache-Control value into its directives.
// Directive names are case-insensitive.
func ParseCacheControl(header string) CacheControl {
	m := make(map[string]string)
	for _, directive := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(directive), "=", 2)
		var val string
		if len(parts) > 1 {
			val = parts[1]
		}
		m[strings.ToLower(parts[0])] = val
	}
	return CacheControl{m}
}
