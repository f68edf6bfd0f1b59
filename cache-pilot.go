// Package cachepilot is an edge-side caching policy engine. It classifies
// requests into content categories, derives deterministic cache keys,
// generates bounded purge-tag sets, and composes Cache-Control directives,
// all driven by a dynamically refreshable configuration store. The engine
// proxies to a single origin and shapes the responses on the way back.
package cachepilot

import (
	"crypto/tls"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	cachekey "github.com/cache-pilot/cache-pilot/pkg/cache-key"
	cachetag "github.com/cache-pilot/cache-pilot/pkg/cache-tag"
	"github.com/cache-pilot/cache-pilot/pkg/category"
	configstore "github.com/cache-pilot/cache-pilot/pkg/config-store"
	"github.com/cache-pilot/cache-pilot/pkg/strategy"
)

type Config struct {
	// Store provides the layered configuration. Required.
	Store *configstore.Store
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// BuildVersion is reported in the diagnostic header and version tags.
	BuildVersion string
	// Debug enables the diagnostic header on every response. Individual
	// requests can opt in with the Cache-Pilot-Debug header instead.
	Debug bool
	// MemoCapacity bounds the tag memoization cache. Default 4096.
	MemoCapacity int
	// Metrics receives engine counters. Optional.
	Metrics *Metrics
}

// Engine computes a caching policy decision for every request and applies it
// around an origin fetch. It implements http.Handler.
type Engine struct {
	store        *configstore.Store
	classifier   category.Classifier
	deriver      cachekey.Deriver
	memo         *cachetag.Memo
	tags         *cachetag.Generator
	registry     *strategy.Registry
	metrics      *Metrics
	log          zerolog.Logger
	debug        bool
	buildVersion string
	reverseproxy httputil.ReverseProxy

	// snapVersion tracks the configuration snapshot the tag memo was
	// filled under.
	snapVersion atomic.Pointer[string]
}

// CreateEngine initializes the policy engine and its proxy plumbing.
func CreateEngine(config Config) *Engine {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	memo := cachetag.NewMemo(config.MemoCapacity)
	e := &Engine{
		store:        config.Store,
		deriver:      cachekey.NewDeriver(&logger),
		memo:         memo,
		tags:         cachetag.NewGenerator(config.BuildVersion, memo, &logger),
		metrics:      config.Metrics,
		log:          logger,
		debug:        config.Debug,
		buildVersion: config.BuildVersion,
	}
	e.tags.OnTruncate = config.Metrics.TagsTruncated
	e.registry = strategy.CreateRegistry(strategy.Config{
		Deriver: e.deriver,
		Tags:    e.tags,
		Logger:  &logger,
	})

	host := config.OriginURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: config.OriginHost,
			},
		}
	}

	director := createDirector(config.OriginURL.Scheme, host, hostHeader)
	e.reverseproxy = httputil.ReverseProxy{
		Director: func(req *http.Request) {
			director(req)
			if d, ok := decisionFromContext(req.Context()); ok {
				req.Header.Set("Cache-Key", d.Fetch.Key)
			}
		},
		Transport:      transport,
		ModifyResponse: e.shapeResponse,
		ErrorHandler:   e.proxyError,
	}

	return e
}

// ServeHTTP implements the http.Handler interface.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d := e.decide(r)
	e.logDecision(r, d)
	e.reverseproxy.ServeHTTP(w, r.WithContext(withDecision(r.Context(), d)))
}

// decide classifies the request and computes the outbound fetch directives.
func (e *Engine) decide(r *http.Request) *Decision {
	snap := e.store.Snapshot()
	e.purgeMemoOnVersionChange(snap.Version)

	name, cfg := e.classifier.Classify(r, &snap)
	p := strategy.Policy{
		Category:    name,
		Config:      cfg,
		Environment: snap.Environment,
		Version:     snap.Version,
	}
	s, contentType := e.registry.Route(r, name)

	d := &Decision{
		Category:    name,
		ContentType: contentType,
		Strategy:    s,
		Policy:      p,
		Fetch:       s.Outbound(r, p),
		Environment: snap.Environment.Name,
		Debug:       e.debug || r.Header.Get(DebugRequestHeader) == "1",
		request:     r,
		start:       time.Now(),
	}
	e.metrics.decision(name, s.Name())
	return d
}

// purgeMemoOnVersionChange drops memoized tags when the configuration
// snapshot changes. Memo keys carry the snapshot version, so entries added
// by requests still in flight on the previous version cannot be read back
// after the change; the purge reclaims their space early.
func (e *Engine) purgeMemoOnVersionChange(version string) {
	last := e.snapVersion.Swap(&version)
	if last == nil || *last == version {
		return
	}
	e.memo.Purge()
	e.metrics.configChange()
	e.log.Debug().Str("version", version).Msg("Configuration changed, tag memo purged")
}

// shapeResponse is the proxy's ModifyResponse hook. Shaping never fails the
// response; metadata that cannot be computed is simply left off.
func (e *Engine) shapeResponse(resp *http.Response) error {
	d, ok := decisionFromContext(resp.Request.Context())
	if !ok {
		return nil
	}
	d.Strategy.Inbound(resp, d.request, d.Policy)
	if d.Debug {
		if value := d.debugValue(resp, e.buildVersion); value != "" {
			resp.Header.Set(DebugResponseHeader, value)
		}
	}
	e.metrics.response(d.Category, resp.StatusCode)
	e.metrics.fetchSeconds(d.Category, time.Since(d.start).Seconds())
	return nil
}

func (e *Engine) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	e.log.Error().Err(err).
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Msg("Origin fetch failed")
	e.metrics.originError()
	http.Error(w, "Bad Gateway", http.StatusBadGateway)
}

// logDecision prefers the per-request logger installed by hlog middleware,
// falling back to the engine logger when the engine is mounted bare.
func (e *Engine) logDecision(r *http.Request, d *Decision) {
	logger := zerolog.Ctx(r.Context())
	if logger.GetLevel() == zerolog.Disabled {
		logger = &e.log
	}
	logger.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("category", d.Category).
		Str("strategy", d.Strategy.Name()).
		Str("key", d.Fetch.Key).
		Int("tags", len(d.Fetch.Tags)).
		Msg("Routing request")
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// MemoStats exposes the tag memo counters, for diagnostics.
func (e *Engine) MemoStats() cachetag.MemoStats {
	return e.memo.Stats()
}
