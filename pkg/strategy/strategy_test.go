package strategy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachekey "github.com/cache-pilot/cache-pilot/pkg/cache-key"
	cachetag "github.com/cache-pilot/cache-pilot/pkg/cache-tag"
	"github.com/cache-pilot/cache-pilot/pkg/category"
)

func testRegistry() *Registry {
	return CreateRegistry(Config{
		Deriver: cachekey.NewDeriver(nil),
		Tags:    cachetag.NewGenerator("", nil, nil),
	})
}

func videoPolicy() Policy {
	return Policy{
		Category:    category.Video,
		Config:      category.Config{Pattern: `\.(mp4|webm)$`, TTL: category.TTL{OK: 31556952}},
		Environment: category.DefaultEnvironment(),
	}
}

func emptyResponse(status int) *http.Response {
	return &http.Response{StatusCode: status, Header: http.Header{}}
}

func TestSelect(t *testing.T) {
	reg := testRegistry()
	cases := []struct {
		contentType string
		strategy    string
	}{
		{"video/mp4", "video"},
		{"video/webm", "video"},
		{"audio/flac", "audio"},
		{"image/avif", "image"},
		{"image/svg+xml", "image"},
		{"application/vnd.apple.mpegurl", "manifest"},
		{"application/dash+xml", "manifest"},
		{"application/json", "api"},
		{"application/hal+json", "api"},
		{"text/css", "frontend"},
		{"font/woff2", "frontend"},
		{"text/html", "frontend"},
		{"application/zip", "downloads"},
		{"application/pdf", "downloads"},
		{"text/plain", "default"},
		{"", "default"},
	}
	for _, c := range cases {
		t.Run(c.contentType, func(t *testing.T) {
			assert.Equal(t, c.strategy, reg.Select(c.contentType).Name())
		})
	}
}

func TestCanonicalContentType(t *testing.T) {
	cases := []struct {
		name     string
		url      string
		category string
		accept   string
		want     string
	}{
		{"extension wins", "http://example.com/videos/a.mp4", category.Default, "", "video/mp4"},
		{"extension is case-insensitive", "http://example.com/A.MP4", category.Default, "", "video/mp4"},
		{"category fallback without extension", "http://example.com/graphql", category.API, "", "application/json"},
		{"default category without extension", "http://example.com/whatever", category.Default, "", ""},
		{"avif preferred when accepted", "http://example.com/i.jpg", category.Image, "image/avif,image/webp,*/*", "image/avif"},
		{"webp when avif not offered", "http://example.com/i.jpg", category.Image, "image/webp,*/*", "image/webp"},
		{"no negotiation without accept", "http://example.com/i.jpg", category.Image, "", "image/jpeg"},
		{"vector images are not negotiated", "http://example.com/i.svg", category.Image, "image/avif", "image/svg+xml"},
		{"extensionless image negotiates", "http://example.com/photo", category.Image, "image/avif", "image/avif"},
		{"manifest extension", "http://example.com/live/master.m3u8", category.Manifest, "", "application/vnd.apple.mpegurl"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", c.url, nil)
			if c.accept != "" {
				r.Header.Set("Accept", c.accept)
			}
			assert.Equal(t, c.want, CanonicalContentType(r, c.category))
		})
	}
}

func TestOutbound(t *testing.T) {
	reg := testRegistry()
	r := httptest.NewRequest("GET", "http://example.com/videos/a.mp4", nil)
	s, contentType := reg.Route(r, category.Video)
	require.Equal(t, "video", s.Name())
	require.Equal(t, "video/mp4", contentType)

	fd := s.Outbound(r, videoPolicy())
	assert.Equal(t, "example.com/videos/a.mp4", fd.Key)
	assert.Equal(t, category.Video, fd.Category)
	assert.Equal(t, "video/mp4", fd.ContentType)
	assert.Equal(t, 31556952, fd.TTL)
	assert.Contains(t, fd.Tags, "cp:host:example.com")
	assert.Contains(t, fd.Tags, "cp:type:video")
	assert.Contains(t, fd.Tags, "cp:ext:mp4")
}

func TestOutboundCarriesFetchHints(t *testing.T) {
	reg := testRegistry()
	r := httptest.NewRequest("GET", "http://example.com/app.css", nil)
	p := Policy{
		Category:    category.Frontend,
		Config:      category.Config{Pattern: `\.css$`, TTL: category.TTL{OK: 60}, Minify: true},
		Environment: category.DefaultEnvironment(),
	}
	s, _ := reg.Route(r, p.Category)
	fd := s.Outbound(r, p)
	assert.True(t, fd.Minify)
	assert.False(t, fd.ImageOptimization)
}

func TestInboundDirectives(t *testing.T) {
	reg := testRegistry()
	r := httptest.NewRequest("GET", "http://example.com/videos/a.mp4", nil)
	s, _ := reg.Route(r, category.Video)

	t.Run("success gets the composed directive", func(t *testing.T) {
		resp := emptyResponse(http.StatusOK)
		s.Inbound(resp, r, videoPolicy())
		assert.Equal(t, "public, max-age=31556952", resp.Header.Get("Cache-Control"))
	})

	t.Run("zero ttl leaves the upstream header alone", func(t *testing.T) {
		resp := emptyResponse(http.StatusNotFound)
		resp.Header.Set("Cache-Control", "max-age=5")
		s.Inbound(resp, r, videoPolicy())
		assert.Equal(t, "max-age=5", resp.Header.Get("Cache-Control"))
	})

	t.Run("zero ttl emits nothing", func(t *testing.T) {
		resp := emptyResponse(http.StatusNotFound)
		s.Inbound(resp, r, videoPolicy())
		assert.Empty(t, resp.Header.Get("Cache-Control"))
	})

	t.Run("composed value replaces upstream", func(t *testing.T) {
		resp := emptyResponse(http.StatusOK)
		resp.Header.Set("Cache-Control", "no-store")
		s.Inbound(resp, r, videoPolicy())
		assert.Equal(t, "public, max-age=31556952", resp.Header.Get("Cache-Control"))
	})

	t.Run("prevent override preserves upstream", func(t *testing.T) {
		p := videoPolicy()
		p.Config.Directives.PreventOverride = true
		resp := emptyResponse(http.StatusOK)
		resp.Header.Set("Cache-Control", "no-store")
		s.Inbound(resp, r, p)
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	})

	t.Run("prevent override still composes when upstream sent nothing", func(t *testing.T) {
		p := videoPolicy()
		p.Config.Directives.PreventOverride = true
		resp := emptyResponse(http.StatusOK)
		s.Inbound(resp, r, p)
		assert.Equal(t, "public, max-age=31556952", resp.Header.Get("Cache-Control"))
	})
}

func TestInboundTags(t *testing.T) {
	reg := testRegistry()

	t.Run("tags are set on the response", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/videos/a.mp4", nil)
		s, _ := reg.Route(r, category.Video)
		resp := emptyResponse(http.StatusOK)
		s.Inbound(resp, r, videoPolicy())
		header := resp.Header.Get("Cache-Tag")
		assert.Contains(t, header, "cp:host:example.com")
		assert.Contains(t, header, "cp:type:video")
	})

	t.Run("tag failure clears the header and keeps directives", func(t *testing.T) {
		// a request without a URL makes tag generation fail internally
		r := &http.Request{Host: "example.com", Header: http.Header{}}
		s := reg.Select("video/mp4")
		resp := emptyResponse(http.StatusOK)
		resp.Header.Set("Cache-Tag", "left-over")
		s.Inbound(resp, r, videoPolicy())
		assert.Empty(t, resp.Header.Get("Cache-Tag"), "failed generation must clear the tag header")
		assert.Equal(t, "public, max-age=31556952", resp.Header.Get("Cache-Control"), "directives still apply")
	})
}

func TestMediaHeaderEffects(t *testing.T) {
	reg := testRegistry()

	t.Run("video advertises byte ranges", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/videos/a.mp4", nil)
		resp := emptyResponse(http.StatusOK)
		reg.Select("video/mp4").Inbound(resp, r, videoPolicy())
		assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	})

	t.Run("upstream range advertisement is preserved", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/videos/a.mp4", nil)
		resp := emptyResponse(http.StatusOK)
		resp.Header.Set("Accept-Ranges", "none")
		reg.Select("video/mp4").Inbound(resp, r, videoPolicy())
		assert.Equal(t, "none", resp.Header.Get("Accept-Ranges"))
	})

	t.Run("audio advertises byte ranges", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/podcast/e1.mp3", nil)
		resp := emptyResponse(http.StatusOK)
		p := Policy{Category: category.Audio, Config: category.Config{Pattern: `\.mp3$`, TTL: category.TTL{OK: 3600}}, Environment: category.DefaultEnvironment()}
		reg.Select("audio/mpeg").Inbound(resp, r, p)
		assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	})
}

func TestManifestHeaderEffects(t *testing.T) {
	reg := testRegistry()
	p := Policy{
		Category:    category.Manifest,
		Config:      category.Config{Pattern: `\.(m3u8|mpd)$`, TTL: category.TTL{OK: 4}},
		Environment: category.DefaultEnvironment(),
	}

	t.Run("permissive cors and content type correction", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/live/master.m3u8", nil)
		resp := emptyResponse(http.StatusOK)
		resp.Header.Set("Content-Type", "text/plain")
		reg.Select("application/vnd.apple.mpegurl").Inbound(resp, r, p)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	})

	t.Run("dash manifests get their own type", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/live/stream.mpd", nil)
		resp := emptyResponse(http.StatusOK)
		reg.Select("application/dash+xml").Inbound(resp, r, p)
		assert.Equal(t, "application/dash+xml", resp.Header.Get("Content-Type"))
	})

	t.Run("origin cors headers are preserved", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/live/master.m3u8", nil)
		resp := emptyResponse(http.StatusOK)
		resp.Header.Set("Access-Control-Allow-Origin", "https://player.example.com")
		reg.Select("application/vnd.apple.mpegurl").Inbound(resp, r, p)
		assert.Equal(t, "https://player.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	})
}

func TestDownloadHeaderEffects(t *testing.T) {
	reg := testRegistry()
	p := Policy{
		Category:    category.Downloads,
		Config:      category.Config{Pattern: `^/files/`, TTL: category.TTL{OK: 86400}},
		Environment: category.DefaultEnvironment(),
	}

	t.Run("filename from the last segment, percent-decoded", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/files/report%202024.pdf", nil)
		resp := emptyResponse(http.StatusOK)
		reg.Select("application/pdf").Inbound(resp, r, p)
		assert.Equal(t, `attachment; filename="report 2024.pdf"`, resp.Header.Get("Content-Disposition"))
	})

	t.Run("generic name when the segment is empty", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/files/", nil)
		resp := emptyResponse(http.StatusOK)
		reg.Select("application/octet-stream").Inbound(resp, r, p)
		assert.Equal(t, `attachment; filename="download"`, resp.Header.Get("Content-Disposition"))
	})

	t.Run("upstream disposition is preserved", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/files/a.zip", nil)
		resp := emptyResponse(http.StatusOK)
		resp.Header.Set("Content-Disposition", `attachment; filename="origin.zip"`)
		reg.Select("application/zip").Inbound(resp, r, p)
		assert.Equal(t, `attachment; filename="origin.zip"`, resp.Header.Get("Content-Disposition"))
	})
}

func TestVaryDefaults(t *testing.T) {
	reg := testRegistry()

	t.Run("image vary on accept", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/i.jpg", nil)
		resp := emptyResponse(http.StatusOK)
		p := Policy{Category: category.Image, Config: category.Config{Pattern: `\.jpg$`, TTL: category.TTL{OK: 60}}, Environment: category.DefaultEnvironment()}
		reg.Select("image/jpeg").Inbound(resp, r, p)
		assert.Equal(t, "Accept", resp.Header.Get("Vary"))
	})

	t.Run("upstream vary is preserved", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/i.jpg", nil)
		resp := emptyResponse(http.StatusOK)
		resp.Header.Set("Vary", "Origin")
		p := Policy{Category: category.Image, Config: category.Config{Pattern: `\.jpg$`, TTL: category.TTL{OK: 60}}, Environment: category.DefaultEnvironment()}
		reg.Select("image/jpeg").Inbound(resp, r, p)
		assert.Equal(t, "Origin", resp.Header.Get("Vary"))
	})

	t.Run("frontend vary on accept-encoding", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/app.js", nil)
		resp := emptyResponse(http.StatusOK)
		p := Policy{Category: category.Frontend, Config: category.Config{Pattern: `\.js$`, TTL: category.TTL{OK: 60}}, Environment: category.DefaultEnvironment()}
		reg.Select("text/javascript").Inbound(resp, r, p)
		assert.Equal(t, "Accept-Encoding", resp.Header.Get("Vary"))
	})
}

func TestDefaultStrategyShapesNothingExtra(t *testing.T) {
	reg := testRegistry()
	r := httptest.NewRequest("GET", "http://example.com/whatever", nil)
	resp := emptyResponse(http.StatusOK)
	p := Policy{Category: category.Default, Config: category.DefaultConfig(), Environment: category.DefaultEnvironment()}
	s, contentType := reg.Route(r, category.Default)
	require.Equal(t, "default", s.Name())
	require.Empty(t, contentType)
	s.Inbound(resp, r, p)
	assert.Empty(t, resp.Header.Get("Cache-Control"), "default category has zero ttls")
	assert.Empty(t, resp.Header.Get("Vary"))
	assert.Empty(t, resp.Header.Get("Accept-Ranges"))
	assert.NotEmpty(t, resp.Header.Get("Cache-Tag"), "tags still apply under the default category")
}
