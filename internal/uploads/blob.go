package uploads

import (
	"encoding/base64"
	"errors"
	"mime"
	"path"
	"regexp"
	"strings"
)

// inlineBlobPattern matches data:<mime>[;param=value...];base64,<payload>
var inlineBlobPattern = regexp.MustCompile(`(?s)^data:([a-zA-Z0-9.+-]+/[a-zA-Z0-9.+-]+)?((?:;[a-zA-Z0-9.+-]+=[^;,]*)*);base64,(.*)$`)

// IsInlineBlob reports whether s is a base64 data URL
func IsInlineBlob(s string) bool {
	return strings.HasPrefix(s, "data:") && inlineBlobPattern.MatchString(s)
}

type inlineBlob struct {
	mime string
	data []byte
}

func decodeInlineBlob(s string) (inlineBlob, error) {
	m := inlineBlobPattern.FindStringSubmatch(s)
	if m == nil {
		return inlineBlob{}, errors.New("not a base64 data URL")
	}
	payload := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, m[3])

	var data []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err = enc.DecodeString(payload); err == nil {
			break
		}
	}
	if err != nil {
		return inlineBlob{}, errors.New("invalid base64 payload")
	}
	if len(data) == 0 {
		return inlineBlob{}, errors.New("empty file")
	}
	return inlineBlob{mime: strings.ToLower(m[1]), data: data}, nil
}

var extensionsByMIME = map[string]string{
	"image/png":                 "png",
	"image/jpeg":                "jpg",
	"image/jpg":                 "jpg",
	"image/gif":                 "gif",
	"image/webp":                "webp",
	"image/svg+xml":             "svg",
	"image/tiff":                "tif",
	"image/heic":                "heic",
	"image/bmp":                 "bmp",
	"image/vnd.adobe.photoshop": "psd",
	"image/x-eps":               "eps",
	"application/pdf":           "pdf",
	"application/postscript":    "ai",
	"application/illustrator":   "ai",
	"application/zip":           "zip",
	"application/x-cdr":         "cdr",
	"text/plain":                "txt",
	// carries no type information; fall through to the name hint
	"application/octet-stream": "",
}

// extensionFor picks an extension from the MIME type, then the file name hint, then "bin".
func extensionFor(mimeType, hint string) string {
	if ext, known := extensionsByMIME[mimeType]; known {
		if ext != "" {
			return ext
		}
	} else if mimeType != "" {
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			return strings.TrimPrefix(exts[0], ".")
		}
	}
	if ext := strings.TrimPrefix(path.Ext(hint), "."); ext != "" && len(ext) <= 5 {
		return strings.ToLower(ext)
	}
	return "bin"
}

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// sanitizeHint turns a file name hint into a short, path-safe slug without extension.
func sanitizeHint(hint string) string {
	base := strings.TrimSuffix(path.Base(strings.ReplaceAll(hint, "\\", "/")), path.Ext(hint))
	slug := unsafeNameChars.ReplaceAllString(strings.ToLower(base), "-")
	slug = strings.Trim(slug, "-.")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-.")
	}
	if slug == "" || slug == "." {
		return "file"
	}
	return slug
}

// sanitizeSegment makes a folder key safe to use as a single path segment
func sanitizeSegment(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "/", "-"))
	return strings.Trim(s, ".")
}
