package category

import "net/http"

// sensitiveParams are query parameter names that must never leak into cache
// keys or purge tags. The reserved default category excludes them wholesale;
// explicit categories are expected to exclude them through their own policy.
var sensitiveParams = []string{
	"token",
	"access_token",
	"auth",
	"auth_token",
	"apikey",
	"api_key",
	"key",
	"secret",
	"password",
	"session",
	"sid",
	"signature",
	"jwt",
}

// DefaultConfig returns the policy for the reserved default category:
// nothing is cached for any status class, and the sensitive parameter
// deny-list is excluded from any key or tag computation downstream.
func DefaultConfig() Config {
	return Config{
		Query: &QueryPolicy{
			Include:     true,
			ExcludeList: append([]string(nil), sensitiveParams...),
			Sort:        true,
		},
	}
}

// Classifier matches requests to categories using the current snapshot.
// The zero value is ready to use.
type Classifier struct{}

// Classify returns the first category whose pattern matches the request
// path, in the snapshot's declared order. When nothing matches it returns
// the reserved default category.
func (Classifier) Classify(r *http.Request, snap *Snapshot) (string, Config) {
	if snap != nil {
		path := r.URL.Path
		for _, n := range snap.Categories {
			if n.Config.Matches(path) {
				return n.Name, n.Config
			}
		}
	}
	return Default, DefaultConfig()
}
