package category

// Compiled-in defaults, used when the durable store is empty or unreachable
// and the fast layer holds nothing. They are deliberately conservative about
// error caching and aggressive about immutable media.

const yearSeconds = 31556952

// DefaultEnvironment returns the environment the engine falls back to.
func DefaultEnvironment() Environment {
	return Environment{
		Name:                   "default",
		LogLevel:               "info",
		TagNamespace:           "cp",
		MaxTags:                25,
		RefreshIntervalSeconds: 30,
		SchemaVersion:          1,
	}
}

// DefaultSet returns the built-in ordered category list. More specific
// patterns come first; manifests must precede video so that playlist files
// are not swallowed by the media category.
func DefaultSet() Set {
	s := Set{
		{
			Name: Manifest,
			Config: Config{
				Pattern: `\.(m3u8|mpd)$`,
				TTL:     TTL{OK: 10, Redirects: 10, ClientError: 5},
			},
		},
		{
			Name: Video,
			Config: Config{
				Pattern: `\.(mp4|webm|mkv|mov|m4v|mpg|mpeg|ts)$`,
				TTL:     TTL{OK: yearSeconds, Redirects: 3600, ClientError: 60},
				Query:   &QueryPolicy{Include: false},
				Directives: DirectiveFlags{
					Immutable: true,
				},
			},
		},
		{
			Name: Audio,
			Config: Config{
				Pattern: `\.(mp3|aac|flac|ogg|oga|wav|m4a|opus)$`,
				TTL:     TTL{OK: yearSeconds, Redirects: 3600, ClientError: 60},
				Query:   &QueryPolicy{Include: false},
				Directives: DirectiveFlags{
					Immutable: true,
				},
			},
		},
		{
			Name: Image,
			Config: Config{
				Pattern:           `\.(jpe?g|png|gif|webp|avif|svg|ico|bmp)$`,
				TTL:               TTL{OK: 2592000, Redirects: 3600, ClientError: 60},
				Query:             &QueryPolicy{Include: false},
				Variants:          &VariantPolicy{UseAccept: true},
				ImageOptimization: true,
			},
		},
		{
			Name: Downloads,
			Config: Config{
				Pattern: `\.(zip|tar|gz|tgz|bz2|xz|7z|dmg|exe|msi|pkg|deb|rpm|iso|pdf)$`,
				TTL:     TTL{OK: 604800, Redirects: 3600, ClientError: 60},
				Query:   &QueryPolicy{Include: false},
			},
		},
		{
			Name: Frontend,
			Config: Config{
				Pattern: `\.(html?|css|js|mjs|json|woff2?|ttf|eot|map|txt|xml)$`,
				TTL:     TTL{OK: 86400, Redirects: 3600, ClientError: 60},
				Query: &QueryPolicy{
					Include:     true,
					ExcludeList: []string{"utm_source", "utm_medium", "utm_campaign", "fbclid", "gclid"},
					Sort:        true,
				},
				Minify: true,
				Directives: DirectiveFlags{
					StaleWhileRevalidate: 60,
					StaleIfError:         86400,
				},
			},
		},
		{
			Name: API,
			Config: Config{
				Pattern: `^/(api|graphql)(/|$)`,
				TTL:     TTL{OK: 60, Redirects: 60},
				Query: &QueryPolicy{
					Include:     true,
					ExcludeList: append([]string(nil), sensitiveParams...),
					Sort:        true,
					Normalize:   true,
				},
				Directives: DirectiveFlags{
					StaleWhileRevalidate: 30,
				},
			},
		},
	}
	// defaults must always be servable, so a bad built-in pattern is a bug
	if err := s.Compile(); err != nil {
		panic(err)
	}
	return s
}
