// Package category defines the configuration model for the policy engine:
// per-category caching policies, the environment settings that apply across
// categories, and the immutable snapshot pairing the two.
package category

import (
	"fmt"
	"regexp"
	"strings"
)

// Conventional category names. Categories are admin-defined, but the
// content-type strategies recognize these names as hints.
const (
	Video     = "video"
	Image     = "image"
	Frontend  = "frontend"
	Audio     = "audio"
	Downloads = "downloads"
	Manifest  = "manifest"
	API       = "api"
	// Default is the reserved category returned when no pattern matches.
	// It is never stored and never carries tags of its own.
	Default = "default"
)

// TTL holds cache lifetimes in seconds per response status class.
// A value of zero means "do not cache this status class".
type TTL struct {
	OK          int `json:"ok" yaml:"ok"`
	Redirects   int `json:"redirects" yaml:"redirects"`
	ClientError int `json:"clientError" yaml:"clientError"`
	ServerError int `json:"serverError" yaml:"serverError"`
	// Info is the lifetime for 1xx responses. Rarely useful; zero when unset.
	Info int `json:"info,omitempty" yaml:"info,omitempty"`
	// Overrides maps explicit status codes to lifetimes, taking precedence
	// over the class value. E.g. {404: 10} caches Not Found briefly even
	// when clientError is zero.
	Overrides map[int]int `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// QueryPolicy controls which query parameters participate in the cache key.
type QueryPolicy struct {
	// Include enables query parameters in the cache key at all.
	Include bool `json:"include" yaml:"include"`
	// IncludeList, when non-empty, keeps only the named parameters.
	IncludeList []string `json:"includeList,omitempty" yaml:"includeList,omitempty"`
	// ExcludeList drops the named parameters after IncludeList is applied.
	ExcludeList []string `json:"excludeList,omitempty" yaml:"excludeList,omitempty"`
	// Sort orders the remaining parameters by name for key stability.
	Sort bool `json:"sort,omitempty" yaml:"sort,omitempty"`
	// Normalize lowercases parameter values before keying.
	Normalize bool `json:"normalize,omitempty" yaml:"normalize,omitempty"`
}

// VariantPolicy adds request dimensions beyond the URL to the cache key.
type VariantPolicy struct {
	Headers     []string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Cookies     []string `json:"cookies,omitempty" yaml:"cookies,omitempty"`
	ClientHints []string `json:"clientHints,omitempty" yaml:"clientHints,omitempty"`
	// UseAccept keys on the simplified main type of the Accept header.
	UseAccept bool `json:"useAccept,omitempty" yaml:"useAccept,omitempty"`
	// UseUserAgent keys on a mobile/desktop classification of the User-Agent.
	UseUserAgent bool `json:"useUserAgent,omitempty" yaml:"useUserAgent,omitempty"`
	// UseClientIP keys on the trusted forwarded client address.
	UseClientIP bool `json:"useClientIP,omitempty" yaml:"useClientIP,omitempty"`
}

// TagPolicy controls optional purge-tag sources beyond the built-in ones.
type TagPolicy struct {
	// QueryParams is the allow-list of parameters emitted as query tags.
	// Query tagging is enabled by listing at least one name.
	QueryParams []string `json:"queryParams,omitempty" yaml:"queryParams,omitempty"`
	// Version emits a build-version tag when a build identifier is known.
	Version bool `json:"version,omitempty" yaml:"version,omitempty"`
}

// DirectiveFlags tune the composed Cache-Control value.
type DirectiveFlags struct {
	Private              bool `json:"private,omitempty" yaml:"private,omitempty"`
	StaleWhileRevalidate int  `json:"staleWhileRevalidate,omitempty" yaml:"staleWhileRevalidate,omitempty"`
	StaleIfError         int  `json:"staleIfError,omitempty" yaml:"staleIfError,omitempty"`
	MustRevalidate       bool `json:"mustRevalidate,omitempty" yaml:"mustRevalidate,omitempty"`
	NoCache              bool `json:"noCache,omitempty" yaml:"noCache,omitempty"`
	NoStore              bool `json:"noStore,omitempty" yaml:"noStore,omitempty"`
	Immutable            bool `json:"immutable,omitempty" yaml:"immutable,omitempty"`
	// PreventOverride preserves an upstream Cache-Control header untouched
	// instead of replacing it with the composed directive.
	PreventOverride bool `json:"preventCacheControlOverride,omitempty" yaml:"preventCacheControlOverride,omitempty"`
}

// Config is one category's caching policy. The zero value disables caching.
type Config struct {
	// Pattern is an uncompiled regular expression matched against the
	// request path. Stored as a string; compiled on load.
	Pattern string `json:"pattern" yaml:"pattern"`
	TTL     TTL    `json:"ttl" yaml:"ttl"`
	// Query and Variants are nil in legacy configs, in which case only
	// UseQueryInCacheKey governs the key.
	Query    *QueryPolicy   `json:"query,omitempty" yaml:"query,omitempty"`
	Variants *VariantPolicy `json:"variants,omitempty" yaml:"variants,omitempty"`
	Tags     *TagPolicy     `json:"tags,omitempty" yaml:"tags,omitempty"`
	// UseQueryInCacheKey appends the full raw query string to the key.
	// Only consulted when Query is nil (legacy mode).
	UseQueryInCacheKey bool           `json:"useQueryInCacheKey,omitempty" yaml:"useQueryInCacheKey,omitempty"`
	Directives         DirectiveFlags `json:"directives,omitempty" yaml:"directives,omitempty"`
	// ImageOptimization and Minify are hints attached to the outbound fetch
	// directives. Whether and how they are honored is up to the fetch layer.
	ImageOptimization bool `json:"imageOptimization,omitempty" yaml:"imageOptimization,omitempty"`
	Minify            bool `json:"minify,omitempty" yaml:"minify,omitempty"`

	compiled *regexp.Regexp
}

// Compile converts the stored pattern into a matcher.
func (c *Config) Compile() error {
	if c.Pattern == "" {
		c.compiled = nil
		return nil
	}
	re, err := regexp.Compile(c.Pattern)
	if err != nil {
		return fmt.Errorf("pattern %q: %w", c.Pattern, err)
	}
	c.compiled = re
	return nil
}

// Matches reports whether the request path matches this category's pattern.
// Matching is exactly as the pattern dictates; no case normalization.
func (c Config) Matches(path string) bool {
	if c.compiled != nil {
		return c.compiled.MatchString(path)
	}
	if c.Pattern == "" {
		return false
	}
	// patterns are compiled on load; compile per call if that was skipped
	re, err := regexp.Compile(c.Pattern)
	if err != nil {
		return false
	}
	return re.MatchString(path)
}

// Validate checks the invariants the engine relies on. It is called on every
// durable-store read and admin write.
func (c Config) Validate() error {
	if c.Pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	if _, err := regexp.Compile(c.Pattern); err != nil {
		return fmt.Errorf("pattern %q: %w", c.Pattern, err)
	}
	for name, v := range map[string]int{
		"ok":          c.TTL.OK,
		"redirects":   c.TTL.Redirects,
		"clientError": c.TTL.ClientError,
		"serverError": c.TTL.ServerError,
		"info":        c.TTL.Info,
	} {
		if v < 0 {
			return fmt.Errorf("ttl.%s must not be negative, got %d", name, v)
		}
	}
	for status, v := range c.TTL.Overrides {
		if status < 100 || status > 599 {
			return fmt.Errorf("ttl override for impossible status %d", status)
		}
		if v < 0 {
			return fmt.Errorf("ttl override for status %d must not be negative, got %d", status, v)
		}
	}
	if c.Directives.StaleWhileRevalidate < 0 {
		return fmt.Errorf("staleWhileRevalidate must not be negative")
	}
	if c.Directives.StaleIfError < 0 {
		return fmt.Errorf("staleIfError must not be negative")
	}
	return nil
}

// Named is a category together with its name, as stored and transported.
// The config is flattened into the same document level as the name, in JSON
// and YAML alike.
type Named struct {
	Name   string `json:"name" yaml:"name"`
	Config `yaml:",inline"`
}

// Set is the ordered list of categories. Order is significant: the first
// matching pattern wins, so more specific categories go first. Sets are
// stored as JSON arrays, never as objects, to keep the order explicit.
type Set []Named

// Get returns the named category's config.
func (s Set) Get(name string) (Config, bool) {
	for _, n := range s {
		if n.Name == name {
			return n.Config, true
		}
	}
	return Config{}, false
}

// Names returns the category names in declaration order.
func (s Set) Names() []string {
	names := make([]string, len(s))
	for i, n := range s {
		names[i] = n.Name
	}
	return names
}

// Compile compiles every pattern in the set, failing on the first bad one.
func (s Set) Compile() error {
	for i := range s {
		if err := s[i].Config.Compile(); err != nil {
			return fmt.Errorf("category %q: %w", s[i].Name, err)
		}
	}
	return nil
}

// Validate checks every entry and rejects duplicate or reserved names.
func (s Set) Validate() error {
	seen := make(map[string]struct{}, len(s))
	for _, n := range s {
		if n.Name == "" {
			return fmt.Errorf("category name is required")
		}
		if n.Name == Default {
			return fmt.Errorf("category name %q is reserved", Default)
		}
		if strings.ContainsAny(n.Name, " :,") {
			return fmt.Errorf("category name %q must not contain spaces, colons or commas", n.Name)
		}
		if _, dup := seen[n.Name]; dup {
			return fmt.Errorf("duplicate category %q", n.Name)
		}
		seen[n.Name] = struct{}{}
		if err := n.Config.Validate(); err != nil {
			return fmt.Errorf("category %q: %w", n.Name, err)
		}
	}
	return nil
}

// Environment holds the settings that apply to every category.
type Environment struct {
	Name string `json:"name" yaml:"name"`
	// LogLevel is the default verbosity; the process -vv flag overrides it.
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	// TagNamespace prefixes every generated purge tag.
	TagNamespace string `json:"tagNamespace" yaml:"tagNamespace"`
	// MaxTags bounds the tag set generated per response.
	MaxTags int `json:"maxTags" yaml:"maxTags"`
	// RefreshIntervalSeconds is how long a fast-layer category snapshot is
	// served before the durable store is consulted again. Must be positive.
	RefreshIntervalSeconds int `json:"refreshIntervalSeconds" yaml:"refreshIntervalSeconds"`
	SchemaVersion          int `json:"schemaVersion" yaml:"schemaVersion"`
}

var logLevels = map[string]struct{}{
	"trace": {}, "debug": {}, "info": {}, "warn": {}, "error": {},
}

// Validate checks the environment invariants.
func (e Environment) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("environment name is required")
	}
	if e.TagNamespace == "" {
		return fmt.Errorf("tagNamespace is required")
	}
	if strings.ContainsAny(e.TagNamespace, " ,") || !printableASCII(e.TagNamespace) {
		return fmt.Errorf("tagNamespace %q must be printable ASCII without spaces or commas", e.TagNamespace)
	}
	if e.MaxTags <= 0 {
		return fmt.Errorf("maxTags must be positive, got %d", e.MaxTags)
	}
	if e.RefreshIntervalSeconds <= 0 {
		return fmt.Errorf("refreshIntervalSeconds must be positive, got %d", e.RefreshIntervalSeconds)
	}
	if e.SchemaVersion < 1 {
		return fmt.Errorf("schemaVersion must be at least 1, got %d", e.SchemaVersion)
	}
	if e.LogLevel != "" {
		if _, ok := logLevels[e.LogLevel]; !ok {
			return fmt.Errorf("unknown logLevel %q", e.LogLevel)
		}
	}
	return nil
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '!' || s[i] > '~' {
			return false
		}
	}
	return true
}

// Snapshot is an immutable view of the whole configuration at a point in
// time. A refresh builds a new snapshot and swaps it in whole; snapshots are
// never mutated after construction, so concurrent readers need no locking.
type Snapshot struct {
	Environment Environment
	Categories  Set
	// Version identifies the durable-store state the snapshot was built
	// from. Informative, not ordered.
	Version string
}
