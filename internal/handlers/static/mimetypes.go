package static

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// builtinMimeTypes covers common fixture formats. It is consulted before
// mime.TypeByExtension so results do not depend on the host's mime.types.
var builtinMimeTypes = map[string]string{
	".css":   "text/css; charset=utf-8",
	".csv":   "text/csv; charset=utf-8",
	".gif":   "image/gif",
	".gz":    "application/gzip",
	".htm":   "text/html; charset=utf-8",
	".html":  "text/html; charset=utf-8",
	".ico":   "image/vnd.microsoft.icon",
	".jpeg":  "image/jpeg",
	".jpg":   "image/jpeg",
	".js":    "text/javascript; charset=utf-8",
	".json":  "application/json; charset=utf-8",
	".md":    "text/markdown; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".pdf":   "application/pdf",
	".png":   "image/png",
	".svg":   "image/svg+xml",
	".toml":  "application/toml",
	".txt":   "text/plain; charset=utf-8",
	".wasm":  "application/wasm",
	".webp":  "image/webp",
	".woff2": "font/woff2",
	".xml":   "application/xml; charset=utf-8",
	".yaml":  "application/yaml",
	".yml":   "application/yaml",
	".zip":   "application/zip",
}

const defaultOctetStreamMimeType = "application/octet-stream"

// ResolveMimeType determines the MIME type for a file name. Custom mappings
// win, then the built-in table, then mime.TypeByExtension. Unknown
// extensions are application/octet-stream.
func ResolveMimeType(fileName string, custom map[string]string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return defaultOctetStreamMimeType
	}
	if mimeType, ok := custom[ext]; ok {
		return mimeType
	}
	if mimeType, ok := builtinMimeTypes[ext]; ok {
		return mimeType
	}
	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}
	return defaultOctetStreamMimeType
}

// normalizeMimeTypes validates custom mappings and lower-cases their keys.
func normalizeMimeTypes(in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for ext, mimeType := range in {
		if !strings.HasPrefix(ext, ".") {
			return nil, fmt.Errorf("invalid extension %q in mime_types: must start with a '.'", ext)
		}
		if mimeType == "" {
			return nil, fmt.Errorf("empty MIME type for extension %q in mime_types", ext)
		}
		out[strings.ToLower(ext)] = mimeType
	}
	return out, nil
}
