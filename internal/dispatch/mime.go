package dispatch

import (
	"mime"
	"path/filepath"
)

// guessMIME guesses the MIME type of a path by its extension, defaulting to
// "text/plain" for unknown or missing extensions. No content sniffing is
// performed: the spec fixes this as a pure extension lookup.
func guessMIME(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return "text/plain"
	}

	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}

	return "text/plain"
}
