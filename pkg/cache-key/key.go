// Package cachekey derives canonical cache keys from requests and their
// category configuration. Keys are deterministic: the same request and
// config always produce the same key.
package cachekey

import (
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cache-pilot/cache-pilot/pkg/category"
)

// mobileUA is the user-agent classification used for the ua variant
// dimension. Anything not matching is considered desktop.
var mobileUA = regexp.MustCompile(`(?i)\b(mobile|android|iphone|ipad|ipod|blackberry|iemobile|opera mini)\b`)

// Deriver builds cache keys. The zero value is usable; NewDeriver wires the
// logger used when key derivation has to fall back.
type Deriver struct {
	// ClientIPHeader is the trusted forwarded-address header consulted for
	// the ip variant dimension. X-Forwarded-For (first hop) if empty.
	ClientIPHeader string
	log            zerolog.Logger
}

func NewDeriver(logger *zerolog.Logger) Deriver {
	if logger == nil {
		logger = &log.Logger
	}
	return Deriver{log: *logger}
}

// Derive returns the cache key for the request under the given category
// config. The base key is host + path. Query parameters and request variant
// dimensions are appended according to the config. Derive never fails: on an
// unexpected error it logs and falls back to the raw request URL.
func (d Deriver) Derive(r *http.Request, cfg category.Config) (key string) {
	defer func() {
		if rec := recover(); rec != nil {
			key = RawKey(r)
			d.log.Error().Interface("panic", rec).Str("key", key).
				Msg("Key derivation failed, using raw URL")
		}
	}()

	key = host(r) + r.URL.Path

	if cfg.Query == nil {
		// legacy mode: the whole raw query or nothing
		if cfg.UseQueryInCacheKey && r.URL.RawQuery != "" {
			key += "?" + r.URL.RawQuery
		}
	} else if suffix := querySuffix(r, *cfg.Query); suffix != "" {
		key += suffix
	}

	if cfg.Variants != nil {
		if dims := d.variantDims(r, *cfg.Variants); len(dims) > 0 {
			key += "|" + strings.Join(dims, "|")
		}
	}
	return key
}

// RawKey is the fallback key: the request URL as received. A request
// without a URL keys on the host alone.
func RawKey(r *http.Request) string {
	if r.URL == nil {
		return host(r)
	}
	return host(r) + r.URL.RequestURI()
}

func host(r *http.Request) string {
	if r.Host != "" {
		return r.Host
	}
	if r.URL != nil {
		return r.URL.Host
	}
	return ""
}

type param struct {
	name  string
	value string
}

// querySuffix canonicalizes the query string under the policy: filter by
// include-list, drop the exclude-list, optionally lowercase values, sort
// when asked, and percent-encode values. An empty result appends nothing.
func querySuffix(r *http.Request, q category.QueryPolicy) string {
	if !q.Include || r.URL.RawQuery == "" {
		return ""
	}

	params := parseQueryOrdered(r.URL.RawQuery)
	if len(q.IncludeList) > 0 {
		params = filter(params, func(p param) bool { return contains(q.IncludeList, p.name) })
	}
	if len(q.ExcludeList) > 0 {
		params = filter(params, func(p param) bool { return !contains(q.ExcludeList, p.name) })
	}
	if len(params) == 0 {
		return ""
	}
	if q.Normalize {
		for i := range params {
			params[i].value = strings.ToLower(params[i].value)
		}
	}
	if q.Sort {
		sort.SliceStable(params, func(i, j int) bool { return params[i].name < params[j].name })
	}

	pairs := make([]string, len(params))
	for i, p := range params {
		pairs[i] = p.name + "=" + url.QueryEscape(p.value)
	}
	return "?" + strings.Join(pairs, "&")
}

// parseQueryOrdered parses a raw query preserving parameter order, which
// url.Values would lose. Undecodable pairs are kept verbatim.
func parseQueryOrdered(raw string) []param {
	var params []param
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		params = append(params, param{name, value})
	}
	return params
}

func filter(params []param, keep func(param) bool) []param {
	out := params[:0]
	for _, p := range params {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// variantDims builds the variant descriptor dimensions in their fixed
// order: headers, accept, user-agent class, client hints, cookies, client
// IP. Dimensions whose source value is absent are omitted.
func (d Deriver) variantDims(r *http.Request, v category.VariantPolicy) []string {
	var dims []string
	for _, name := range v.Headers {
		if val := r.Header.Get(name); val != "" {
			dims = append(dims, "h:"+strings.ToLower(name)+"="+val)
		}
	}
	if v.UseAccept {
		if mt := acceptMainType(r.Header.Get("Accept")); mt != "" {
			dims = append(dims, "accept="+mt)
		}
	}
	if v.UseUserAgent {
		if ua := r.Header.Get("User-Agent"); ua != "" {
			dims = append(dims, "ua="+classifyUserAgent(ua))
		}
	}
	for _, hint := range v.ClientHints {
		if val := r.Header.Get(hint); val != "" {
			dims = append(dims, "ch:"+strings.ToLower(hint)+"="+val)
		}
	}
	for _, name := range v.Cookies {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			dims = append(dims, "c:"+name+"="+c.Value)
		}
	}
	if v.UseClientIP {
		if ip := d.clientIP(r); ip != "" {
			dims = append(dims, "ip="+ip)
		}
	}
	return dims
}

// acceptMainType reduces an Accept header to the main type of its first
// media range, e.g. "image/webp,*/*" becomes "image".
func acceptMainType(accept string) string {
	if accept == "" {
		return ""
	}
	first := accept
	if i := strings.IndexByte(first, ','); i >= 0 {
		first = first[:i]
	}
	if i := strings.IndexByte(first, ';'); i >= 0 {
		first = first[:i]
	}
	mainType, _, _ := strings.Cut(strings.TrimSpace(first), "/")
	return mainType
}

func classifyUserAgent(ua string) string {
	if mobileUA.MatchString(ua) {
		return "mobile"
	}
	return "desktop"
}

// clientIP reads the trusted forwarded-address header. For comma-separated
// lists only the first (client-nearest) entry counts.
func (d Deriver) clientIP(r *http.Request) string {
	header := d.ClientIPHeader
	if header == "" {
		header = "X-Forwarded-For"
	}
	val := r.Header.Get(header)
	if i := strings.IndexByte(val, ','); i >= 0 {
		val = val[:i]
	}
	return strings.TrimSpace(val)
}
