// Package cachetag generates the purge tags attached to responses. Tags are
// namespaced labels (`<namespace>:<kind>:<value>`) a downstream purge system
// can invalidate in bulk. Generation is priority-ordered and size-bounded:
// when a request would produce more tags than the environment allows, the
// least important ones are dropped first.
package cachetag

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cache-pilot/cache-pilot/pkg/category"
)

const (
	// MaxTagLength is the longest a single tag may be.
	MaxTagLength = 1024
	// MaxHeaderLength caps the comma-joined Cache-Tag header value.
	MaxHeaderLength = 16 * 1024
)

// Synthesis priorities, higher kept preferentially when the set is bounded.
const (
	priorityHost      = 100
	priorityCategory  = 90
	priorityExtension = 85
	priorityPath      = 80
	priorityPage      = 80
	priorityPrefix    = 70
	priorityQuery     = 40
	priorityVersion   = 20

	prefixStep        = 10
	prefixFloor       = 30
	longPathSegments  = 8
	longPathHeadTail  = 3
)

// Tag is one candidate purge tag before bounding and validation.
type Tag struct {
	Value    string
	Priority int
	// Coalesce marks tags that may be merged with others of their kind by a
	// downstream purge system (hierarchical prefixes, query tags).
	Coalesce bool
}

// Generator builds purge tag sets. Construct once and share; it is safe for
// concurrent use.
type Generator struct {
	// BuildVersion is emitted as the version tag when a category asks for it.
	BuildVersion string
	// Memo, when set, caches generated tag sets by configuration version,
	// URL and category.
	Memo *Memo
	// OnTruncate, when set, is called each time header formatting drops tags.
	OnTruncate func()
	log        zerolog.Logger
}

func NewGenerator(buildVersion string, memo *Memo, logger *zerolog.Logger) *Generator {
	if logger == nil {
		logger = &log.Logger
	}
	return &Generator{
		BuildVersion: buildVersion,
		Memo:         memo,
		log:          *logger,
	}
}

// Generate returns the bounded, deduplicated, validated tag set for the
// request: host and category tags first, then extension, path and
// hierarchical prefix tags, then optional query and version tags. The
// result never exceeds the environment's maxTags. configVersion scopes
// memoized results to the configuration snapshot the policy came from, so
// an entry generated under one snapshot is never served under another.
func (g *Generator) Generate(r *http.Request, name string, cfg category.Config, env category.Environment, configVersion string) (tags []string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			tags = nil
			err = fmt.Errorf("tag generation: %v", rec)
		}
	}()

	memoKey := configVersion + "\x00" + r.URL.String() + "\x00" + name
	if g.Memo != nil {
		if cached, ok := g.Memo.Get(memoKey); ok {
			return cached, nil
		}
	}

	ns := env.TagNamespace
	var candidates []Tag
	add := func(kind, value string, priority int, coalesce bool) {
		candidates = append(candidates, Tag{
			Value:    ns + ":" + kind + ":" + value,
			Priority: priority,
			Coalesce: coalesce,
		})
	}

	if h := hostValue(r); h != "" {
		add("host", h, priorityHost, false)
	}
	if name != category.Default {
		add("type", name, priorityCategory, false)
	}

	segments := pathSegments(r.URL.Path)
	if ext := extension(segments); ext != "" {
		add("ext", ext, priorityExtension, false)
	}
	if len(segments) == 0 {
		// the root page gets a stable tag instead of path tags
		add("page", "home", priorityPage, false)
	} else {
		add("path", r.URL.Path, priorityPath, false)
		for i, prefix := range prefixValues(segments) {
			priority := priorityPrefix - i*prefixStep
			if priority < prefixFloor {
				priority = prefixFloor
			}
			add("prefix", prefix, priority, true)
		}
	}

	if cfg.Tags != nil && len(cfg.Tags.QueryParams) > 0 {
		query := r.URL.Query()
		for _, param := range cfg.Tags.QueryParams {
			for _, value := range query[param] {
				if value != "" {
					add("query", param+"="+value, priorityQuery, true)
				}
			}
		}
	}
	if cfg.Tags != nil && cfg.Tags.Version && g.BuildVersion != "" {
		add("version", g.BuildVersion, priorityVersion, false)
	}

	tags = bound(candidates, env.MaxTags)
	if g.Memo != nil {
		g.Memo.Add(memoKey, tags)
	}
	return tags, nil
}

// bound sorts candidates by priority (stable), caps the list, removes
// duplicates keeping the highest-priority occurrence, and drops anything
// that fails validation.
func bound(candidates []Tag, maxTags int) []string {
	if maxTags <= 0 {
		maxTags = 25
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})
	if len(candidates) > maxTags {
		candidates = candidates[:maxTags]
	}

	tags := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.Value]; dup {
			continue
		}
		seen[c.Value] = struct{}{}
		if Validate(c.Value) {
			tags = append(tags, c.Value)
		}
	}
	return tags
}

// Validate reports whether a tag is usable in a Cache-Tag header: non-empty
// printable ASCII without spaces, at most MaxTagLength bytes.
func Validate(tag string) bool {
	if tag == "" || len(tag) > MaxTagLength {
		return false
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] <= ' ' || tag[i] > '~' {
			return false
		}
	}
	return true
}

// FormatForHeader joins tags for the Cache-Tag header. If the joined value
// would exceed MaxHeaderLength, trailing tags are dropped whole until it
// fits; tags are never cut mid-value.
func (g *Generator) FormatForHeader(tags []string) string {
	header := strings.Join(tags, ",")
	if len(header) <= MaxHeaderLength {
		return header
	}

	kept := len(tags)
	for kept > 0 && len(header) > MaxHeaderLength {
		kept--
		header = strings.Join(tags[:kept], ",")
	}
	g.log.Warn().
		Int("tags", len(tags)).
		Int("kept", kept).
		Msg("Cache-Tag header over size limit, dropped trailing tags")
	if g.OnTruncate != nil {
		g.OnTruncate()
	}
	return header
}

func hostValue(r *http.Request) string {
	if r.Host != "" {
		return r.Host
	}
	return r.URL.Host
}

func pathSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// prefixValues returns the cumulative path prefixes used as prefix tags.
// Deep paths contribute only their first and last segments: beyond
// longPathSegments, the middle is cut out so that tag counts stay bounded
// however deep the tree goes.
func prefixValues(segments []string) []string {
	if len(segments) > longPathSegments {
		reduced := make([]string, 0, 2*longPathHeadTail)
		reduced = append(reduced, segments[:longPathHeadTail]...)
		reduced = append(reduced, segments[len(segments)-longPathHeadTail:]...)
		segments = reduced
	}
	prefixes := make([]string, len(segments))
	var b strings.Builder
	for i, seg := range segments {
		b.WriteByte('/')
		b.WriteString(seg)
		prefixes[i] = b.String()
	}
	return prefixes
}

// extension returns the lowercased extension of the last path segment, or
// empty when there is none.
func extension(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	last := segments[len(segments)-1]
	dot := strings.LastIndexByte(last, '.')
	if dot < 0 || dot == len(last)-1 {
		return ""
	}
	return strings.ToLower(last[dot+1:])
}
