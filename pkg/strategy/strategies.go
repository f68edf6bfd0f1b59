package strategy

import (
	"net/http"
	"net/url"
	"strings"
)

type videoStrategy struct{ base }

func (videoStrategy) Name() string { return "video" }

func (videoStrategy) Accepts(contentType string) bool {
	return strings.HasPrefix(contentType, "video/")
}

// Players seek; advertise byte range support when the upstream does not.
func (s videoStrategy) Inbound(resp *http.Response, r *http.Request, p Policy) {
	s.base.Inbound(resp, r, p)
	if resp.Header.Get("Accept-Ranges") == "" {
		resp.Header.Set("Accept-Ranges", "bytes")
	}
}

type audioStrategy struct{ base }

func (audioStrategy) Name() string { return "audio" }

func (audioStrategy) Accepts(contentType string) bool {
	return strings.HasPrefix(contentType, "audio/") && contentType != "audio/mpegurl"
}

func (s audioStrategy) Inbound(resp *http.Response, r *http.Request, p Policy) {
	s.base.Inbound(resp, r, p)
	if resp.Header.Get("Accept-Ranges") == "" {
		resp.Header.Set("Accept-Ranges", "bytes")
	}
}

type imageStrategy struct{ base }

func (imageStrategy) Name() string { return "image" }

func (imageStrategy) Accepts(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}

// Image responses are negotiated per Accept, so caches must key on it.
func (s imageStrategy) Inbound(resp *http.Response, r *http.Request, p Policy) {
	s.base.Inbound(resp, r, p)
	setVaryDefault(resp, "Accept")
}

type manifestStrategy struct{ base }

func (manifestStrategy) Name() string { return "manifest" }

func (manifestStrategy) Accepts(contentType string) bool {
	switch contentType {
	case "application/vnd.apple.mpegurl", "application/x-mpegurl", "audio/mpegurl", "application/dash+xml":
		return true
	}
	return false
}

func (s manifestStrategy) Inbound(resp *http.Response, r *http.Request, p Policy) {
	s.base.Inbound(resp, r, p)
	allowCORS(resp)
	// origins regularly mislabel manifests as text/plain, which breaks players
	if corrected := manifestContentType(r.URL.Path); corrected != "" {
		resp.Header.Set("Content-Type", corrected)
	}
}

func manifestContentType(path string) string {
	switch pathExtension(path) {
	case "m3u8":
		return "application/vnd.apple.mpegurl"
	case "mpd":
		return "application/dash+xml"
	}
	return ""
}

// allowCORS opens the manifest up for cross-origin players without clobbering
// CORS headers the origin already set.
func allowCORS(resp *http.Response) {
	h := resp.Header
	if h.Get("Access-Control-Allow-Origin") == "" {
		h.Set("Access-Control-Allow-Origin", "*")
	}
	if h.Get("Access-Control-Allow-Methods") == "" {
		h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	}
	if h.Get("Access-Control-Allow-Headers") == "" {
		h.Set("Access-Control-Allow-Headers", "Range, Origin, Accept")
	}
	if h.Get("Access-Control-Expose-Headers") == "" {
		h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
	}
}

type downloadStrategy struct{ base }

func (downloadStrategy) Name() string { return "downloads" }

func (downloadStrategy) Accepts(contentType string) bool {
	switch contentType {
	case "application/zip", "application/gzip", "application/x-tar",
		"application/pdf", "application/octet-stream",
		"application/vnd.android.package-archive":
		return true
	}
	return false
}

func (s downloadStrategy) Inbound(resp *http.Response, r *http.Request, p Policy) {
	s.base.Inbound(resp, r, p)
	if resp.Header.Get("Content-Disposition") == "" {
		resp.Header.Set("Content-Disposition", `attachment; filename="`+downloadFilename(r.URL.Path)+`"`)
	}
}

// downloadFilename derives a filename from the last path segment,
// percent-decoded. Requests without a usable segment get a generic name.
func downloadFilename(path string) string {
	segment := path
	if i := strings.LastIndexByte(segment, '/'); i >= 0 {
		segment = segment[i+1:]
	}
	if decoded, err := url.PathUnescape(segment); err == nil {
		segment = decoded
	}
	segment = strings.Map(func(r rune) rune {
		if r == '"' || r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, segment)
	if segment == "" {
		return "download"
	}
	return segment
}

type frontendStrategy struct{ base }

func (frontendStrategy) Name() string { return "frontend" }

func (frontendStrategy) Accepts(contentType string) bool {
	switch contentType {
	case "text/css", "text/javascript", "application/javascript", "text/html":
		return true
	}
	return strings.HasPrefix(contentType, "font/")
}

func (s frontendStrategy) Inbound(resp *http.Response, r *http.Request, p Policy) {
	s.base.Inbound(resp, r, p)
	setVaryDefault(resp, "Accept-Encoding")
}

type apiStrategy struct{ base }

func (apiStrategy) Name() string { return "api" }

func (apiStrategy) Accepts(contentType string) bool {
	switch contentType {
	case "application/json", "application/xml", "text/xml":
		return true
	}
	return strings.HasSuffix(contentType, "+json") || strings.HasSuffix(contentType, "+xml")
}

func (s apiStrategy) Inbound(resp *http.Response, r *http.Request, p Policy) {
	s.base.Inbound(resp, r, p)
	setVaryDefault(resp, "Accept, Accept-Encoding")
}

type defaultStrategy struct{ base }

func (defaultStrategy) Name() string { return "default" }

func (defaultStrategy) Accepts(string) bool { return true }
