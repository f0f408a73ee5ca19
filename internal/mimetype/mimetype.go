// Package mimetype maps file extensions onto Content-Type values and
// classifies types for caching and compression decisions.
package mimetype

import (
	"mime"
	"path/filepath"
	"strings"
)

const octetStream = "application/octet-stream"

// builtinTypes supplements the host's mime tables for extensions they
// commonly miss. Text types carry an explicit charset.
var builtinTypes = map[string]string{
	".avif":   "image/avif",
	".apng":   "image/apng",
	".bmp":    "image/bmp",
	".css":    "text/css; charset=utf-8",
	".csv":    "text/csv; charset=utf-8",
	".eot":    "application/vnd.ms-fontobject",
	".gif":    "image/gif",
	".gz":     "application/gzip",
	".htm":    "text/html; charset=utf-8",
	".html":   "text/html; charset=utf-8",
	".ico":    "image/vnd.microsoft.icon",
	".jpeg":   "image/jpeg",
	".jpg":    "image/jpeg",
	".js":     "text/javascript; charset=utf-8",
	".json":   "application/json; charset=utf-8",
	".jsonld": "application/ld+json; charset=utf-8",
	".map":    "application/json; charset=utf-8",
	".md":     "text/markdown; charset=utf-8",
	".mjs":    "text/javascript; charset=utf-8",
	".mp3":    "audio/mpeg",
	".mp4":    "video/mp4",
	".oga":    "audio/ogg",
	".ogv":    "video/ogg",
	".opus":   "audio/opus",
	".otf":    "font/otf",
	".pdf":    "application/pdf",
	".png":    "image/png",
	".svg":    "image/svg+xml",
	".tar":    "application/x-tar",
	".tif":    "image/tiff",
	".tiff":   "image/tiff",
	".toml":   "application/toml",
	".ttf":    "font/ttf",
	".txt":    "text/plain; charset=utf-8",
	".wasm":   "application/wasm",
	".wav":    "audio/wav",
	".weba":   "audio/webm",
	".webm":   "video/webm",
	".webp":   "image/webp",
	".woff":   "font/woff",
	".woff2":  "font/woff2",
	".xhtml":  "application/xhtml+xml; charset=utf-8",
	".xml":    "application/xml; charset=utf-8",
	".yaml":   "application/yaml",
	".yml":    "application/yaml",
	".zip":    "application/zip",
	".7z":     "application/x-7z-compressed",
}

// Resolver maps file paths to Content-Type values, consulting configured
// overrides first.
type Resolver struct {
	overrides map[string]string
}

// New builds a Resolver. Override keys are extensions with a leading dot;
// lookups are case-insensitive.
func New(overrides map[string]string) *Resolver {
	r := &Resolver{overrides: make(map[string]string, len(overrides))}
	for ext, typ := range overrides {
		r.overrides[strings.ToLower(ext)] = typ
	}
	return r
}

// TypeOf returns the Content-Type for a file path. Precedence: configured
// overrides, the host mime tables, the builtin set, octet-stream.
func (r *Resolver) TypeOf(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return octetStream
	}
	if typ, ok := r.overrides[ext]; ok {
		return typ
	}
	if typ := mime.TypeByExtension(ext); typ != "" {
		return typ
	}
	if typ, ok := builtinTypes[ext]; ok {
		return typ
	}
	return octetStream
}

// IsTextual reports whether a Content-Type names a text-like payload.
// Textual responses default to revalidate-always caching and are the
// only candidates for compression.
func IsTextual(contentType string) bool {
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/javascript", "application/xml",
		"application/xhtml+xml", "image/svg+xml", "application/yaml",
		"application/toml":
		return true
	}
	return strings.HasSuffix(mediaType, "+json") || strings.HasSuffix(mediaType, "+xml")
}
