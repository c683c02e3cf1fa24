package urlx

import (
	"net/url"
	"strings"
)

// mediaExtensions covers images, video, audio, archives, documents,
// executables and fonts. Matching is on the path suffix only, never on
// the query string.
var mediaExtensions = map[string]struct{}{
	// images
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {},
	".svg": {}, ".ico": {}, ".bmp": {},
	// video
	".mp4": {}, ".mkv": {}, ".avi": {}, ".mov": {}, ".webm": {},
	".m3u8": {}, ".flv": {}, ".wmv": {},
	// audio
	".mp3": {}, ".wav": {}, ".ogg": {}, ".aac": {}, ".flac": {}, ".m4a": {},
	// archives
	".zip": {}, ".rar": {}, ".7z": {}, ".tar": {}, ".gz": {}, ".bz2": {},
	// documents
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {},
	".ppt": {}, ".pptx": {},
	// executables
	".apk": {}, ".exe": {}, ".dmg": {}, ".deb": {}, ".rpm": {},
	// fonts
	".ttf": {}, ".woff": {}, ".woff2": {}, ".eot": {}, ".otf": {},
}

// IsMediaURL reports whether the URL path ends in a known media or
// download extension. URLs with no extension are not media.
func IsMediaURL(raw string) bool {
	if raw == "" {
		return false
	}
	path := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		path = u.Path
	} else if i := strings.IndexAny(raw, "?#"); i >= 0 {
		path = raw[:i]
	}
	path = strings.ToLower(path)
	dot := strings.LastIndexByte(path, '.')
	if dot < 0 || strings.ContainsRune(path[dot:], '/') {
		return false
	}
	_, ok := mediaExtensions[path[dot:]]
	return ok
}
