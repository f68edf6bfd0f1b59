// Package strategy routes classified requests to content-category handlers.
// Each strategy composes the cache key, purge tags, and cache directives for
// its categories and applies category-specific header effects, such as byte
// range support for media or CORS headers for streaming manifests.
package strategy

import (
	"net/http"

	"github.com/rs/zerolog"

	cachekey "github.com/cache-pilot/cache-pilot/pkg/cache-key"
	cachetag "github.com/cache-pilot/cache-pilot/pkg/cache-tag"
	"github.com/cache-pilot/cache-pilot/pkg/category"
	"github.com/cache-pilot/cache-pilot/pkg/directive"
)

// Policy is the classified category a strategy applies to one request.
type Policy struct {
	Category    string
	Config      category.Config
	Environment category.Environment
	// Version identifies the configuration snapshot the policy came from.
	Version string
}

// FetchDirectives is the outbound bundle computed before the origin fetch.
type FetchDirectives struct {
	// Key is the derived cache key.
	Key string
	// Category the request classified into.
	Category string
	// ContentType is the canonical type used for strategy dispatch.
	ContentType string
	// TTL is the expected lifetime in seconds of a success response.
	TTL int
	// Tags the response is expected to carry. Advisory; the authoritative
	// set is generated again when the response is shaped.
	Tags []string
	// ImageOptimization and Minify are passed through to the fetch layer.
	ImageOptimization bool
	Minify            bool
}

// Strategy shapes caching behavior for the content types it accepts.
// Strategies are stateless and constructed once at registry creation.
type Strategy interface {
	Name() string
	// Accepts reports whether this strategy handles the canonical type.
	Accepts(contentType string) bool
	// Outbound computes the fetch directives before the origin fetch.
	Outbound(r *http.Request, p Policy) FetchDirectives
	// Inbound shapes the response headers after the origin fetch.
	Inbound(resp *http.Response, r *http.Request, p Policy)
}

// Registry holds the ordered strategy chain. The first strategy accepting a
// content type wins; the default strategy accepts everything and is always
// registered last.
type Registry struct {
	strategies []Strategy
}

// Config for creating a registry.
type Config struct {
	Deriver cachekey.Deriver
	Tags    *cachetag.Generator
	Logger  *zerolog.Logger
}

// CreateRegistry builds the strategy chain in dispatch order.
func CreateRegistry(config Config) *Registry {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	b := base{
		deriver:  config.Deriver,
		tags:     config.Tags,
		composer: directive.Composer{},
		log:      logger,
	}
	return &Registry{
		strategies: []Strategy{
			manifestStrategy{b},
			videoStrategy{b},
			audioStrategy{b},
			imageStrategy{b},
			downloadStrategy{b},
			frontendStrategy{b},
			apiStrategy{b},
			defaultStrategy{b},
		},
	}
}

// Select returns the first strategy accepting the canonical content type.
func (reg *Registry) Select(contentType string) Strategy {
	for _, s := range reg.strategies {
		if s.Accepts(contentType) {
			return s
		}
	}
	// the default strategy accepts everything
	panic("strategy: no default registered")
}

// Route derives the canonical content type for the request and selects the
// strategy that owns it.
func (reg *Registry) Route(r *http.Request, categoryName string) (Strategy, string) {
	contentType := CanonicalContentType(r, categoryName)
	return reg.Select(contentType), contentType
}

// base carries the collaborators every strategy composes. Specialized
// strategies embed it and add their header effects on top.
type base struct {
	deriver  cachekey.Deriver
	tags     *cachetag.Generator
	composer directive.Composer
	log      zerolog.Logger
}

func (b base) Outbound(r *http.Request, p Policy) FetchDirectives {
	fd := FetchDirectives{
		Key:               b.deriver.Derive(r, p.Config),
		Category:          p.Category,
		ContentType:       CanonicalContentType(r, p.Category),
		TTL:               directive.ResolveTTL(http.StatusOK, p.Config.TTL),
		ImageOptimization: p.Config.ImageOptimization,
		Minify:            p.Config.Minify,
	}
	tags, err := b.tags.Generate(r, p.Category, p.Config, p.Environment, p.Version)
	if err != nil {
		b.log.Warn().Err(err).Str("category", p.Category).Msg("tag generation failed")
	} else {
		fd.Tags = tags
	}
	return fd
}

func (b base) Inbound(resp *http.Response, r *http.Request, p Policy) {
	b.applyDirectives(resp, p)
	b.applyTags(resp, r, p)
}

// applyDirectives sets the composed Cache-Control. A zero TTL composes
// nothing and the response keeps whatever the upstream sent; a composed
// value replaces the upstream header unless the category prevents overrides.
func (b base) applyDirectives(resp *http.Response, p Policy) {
	value := b.composer.Compose(resp.StatusCode, p.Config)
	if value == "" {
		return
	}
	if upstream := resp.Header.Get("Cache-Control"); upstream != "" {
		if p.Config.Directives.PreventOverride {
			return
		}
		if directive.ParseCacheControl(upstream).Restrictive() {
			b.log.Debug().Str("category", p.Category).Str("upstream", upstream).
				Msg("Replacing restrictive origin directives")
		}
	}
	resp.Header.Set("Cache-Control", value)
}

// applyTags sets the Cache-Tag header. A generation failure must not fail
// the response: any previously set tag header is cleared and shaping
// continues without tags.
func (b base) applyTags(resp *http.Response, r *http.Request, p Policy) {
	tags, err := b.tags.Generate(r, p.Category, p.Config, p.Environment, p.Version)
	if err != nil {
		resp.Header.Del("Cache-Tag")
		b.log.Warn().Err(err).Str("category", p.Category).Msg("tag generation failed, response shipped untagged")
		return
	}
	if header := b.tags.FormatForHeader(tags); header != "" {
		resp.Header.Set("Cache-Tag", header)
	}
}

// setVaryDefault adds a Vary only when the upstream did not send one.
func setVaryDefault(resp *http.Response, value string) {
	if resp.Header.Get("Vary") == "" {
		resp.Header.Set("Vary", value)
	}
}
