package cachepilot

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cache-pilot/cache-pilot/pkg/directive"
	"github.com/cache-pilot/cache-pilot/pkg/strategy"
)

// DebugRequestHeader enables the diagnostic response header for a single
// request.
const DebugRequestHeader = "Cache-Pilot-Debug"

// DebugResponseHeader carries the diagnostic JSON value.
const DebugResponseHeader = "X-Cache-Pilot-Debug"

// Decision is everything the engine computed for one request before the
// origin fetch. It rides the request context into response shaping.
type Decision struct {
	Category    string
	ContentType string
	Strategy    strategy.Strategy
	Policy      strategy.Policy
	Fetch       strategy.FetchDirectives
	Environment string
	Debug       bool

	// request is the request as the edge received it. The proxy rewrites
	// its clone's URL and Host toward the origin, so response shaping must
	// not derive anything from resp.Request.
	request *http.Request
	start   time.Time
}

type decisionContextKey struct{}

func withDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, decisionContextKey{}, d)
}

func decisionFromContext(ctx context.Context) (*Decision, bool) {
	d, ok := ctx.Value(decisionContextKey{}).(*Decision)
	return d, ok
}

type debugInfo struct {
	Category    string   `json:"category"`
	Key         string   `json:"key"`
	ContentType string   `json:"contentType,omitempty"`
	TTL         int      `json:"ttl"`
	Tags        []string `json:"tags,omitempty"`
	Environment string   `json:"environment"`
	Version     string   `json:"version,omitempty"`
}

// debugValue renders the diagnostic header for a shaped response. The TTL is
// resolved against the actual response status.
func (d *Decision) debugValue(resp *http.Response, buildVersion string) string {
	info := debugInfo{
		Category:    d.Category,
		Key:         d.Fetch.Key,
		ContentType: d.ContentType,
		TTL:         directive.ResolveTTL(resp.StatusCode, d.Policy.Config.TTL),
		Tags:        d.Fetch.Tags,
		Environment: d.Environment,
		Version:     buildVersion,
	}
	value, err := json.Marshal(info)
	if err != nil {
		return ""
	}
	return string(value)
}
