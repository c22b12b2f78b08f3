package davclient

import (
	"strings"
	"time"
)

const (
	MethodPropfind = "PROPFIND"
	MethodMkcol    = "MKCOL"
	MethodMove     = "MOVE"
)

// Resource is one entry of a PROPFIND listing.
type Resource struct {
	// Path is the decoded absolute path relative to the base URL, without a
	// trailing slash.
	Path  string
	Name  string
	IsDir bool
	Size  int64
	// Mtime is unix milliseconds, zero when the server did not report one.
	Mtime int64
	ETag  string
}

type Options struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// NormalizeETag strips the weak prefix and surrounding quotes.
func NormalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}
