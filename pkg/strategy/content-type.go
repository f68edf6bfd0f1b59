package strategy

import (
	"net/http"
	"strings"

	"github.com/cache-pilot/cache-pilot/pkg/category"
)

// extTypes maps path extensions to the content type a response is expected
// to carry. Extensions win over the category's typical type.
var extTypes = map[string]string{
	"mp4":  "video/mp4",
	"m4v":  "video/mp4",
	"webm": "video/webm",
	"mkv":  "video/x-matroska",
	"mov":  "video/quicktime",
	"avi":  "video/x-msvideo",
	"ts":   "video/mp2t",
	"mpg":  "video/mpeg",
	"mpeg": "video/mpeg",

	"mp3":  "audio/mpeg",
	"aac":  "audio/aac",
	"ogg":  "audio/ogg",
	"oga":  "audio/ogg",
	"opus": "audio/opus",
	"flac": "audio/flac",
	"wav":  "audio/wav",
	"m4a":  "audio/mp4",

	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"avif": "image/avif",
	"svg":  "image/svg+xml",
	"ico":  "image/x-icon",
	"bmp":  "image/bmp",

	"m3u8": "application/vnd.apple.mpegurl",
	"mpd":  "application/dash+xml",

	"css":   "text/css",
	"js":    "text/javascript",
	"mjs":   "text/javascript",
	"html":  "text/html",
	"htm":   "text/html",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"ttf":   "font/ttf",
	"otf":   "font/otf",

	"json": "application/json",
	"xml":  "application/xml",

	"zip": "application/zip",
	"gz":  "application/gzip",
	"tar": "application/x-tar",
	"pdf": "application/pdf",
	"apk": "application/vnd.android.package-archive",
	"exe": "application/octet-stream",
	"dmg": "application/octet-stream",
	"bin": "application/octet-stream",
}

// categoryTypes is the fallback when the path carries no known extension.
// The reserved default category has no typical type; requests under it are
// routed by extension alone or fall through to the default strategy.
var categoryTypes = map[string]string{
	category.Video:     "video/mp4",
	category.Audio:     "audio/mpeg",
	category.Image:     "image/jpeg",
	category.Manifest:  "application/vnd.apple.mpegurl",
	category.Downloads: "application/octet-stream",
	category.Frontend:  "text/html",
	category.API:       "application/json",
}

// CanonicalContentType derives the content type used for strategy dispatch.
// The path extension decides when it is known, otherwise the category's
// typical type. Raster image requests negotiate the modern formats offered
// by the Accept header, preferring AVIF over WebP.
func CanonicalContentType(r *http.Request, categoryName string) string {
	ct := extTypes[pathExtension(r.URL.Path)]
	if ct == "" {
		ct = categoryTypes[categoryName]
	}
	if negotiable(ct) {
		if preferred := negotiateImage(r.Header.Get("Accept")); preferred != "" {
			ct = preferred
		}
	}
	return ct
}

func pathExtension(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	i := strings.LastIndexByte(path, '.')
	if i < 0 || i == len(path)-1 {
		return ""
	}
	return strings.ToLower(path[i+1:])
}

// negotiable reports whether Accept negotiation may upgrade this image type.
// Vector and already-modern formats are left alone.
func negotiable(ct string) bool {
	switch ct {
	case "image/jpeg", "image/png", "image/gif", "image/bmp":
		return true
	}
	return false
}

func negotiateImage(accept string) string {
	for _, preferred := range []string{"image/avif", "image/webp"} {
		if strings.Contains(accept, preferred) {
			return preferred
		}
	}
	return ""
}
