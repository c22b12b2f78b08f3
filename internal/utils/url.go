package utils

import (
	"net/url"
	"regexp"
	"strings"
)

var schemeRE = regexp.MustCompile(`(?i)^https?://`)

// JoinURL joins a base URL and path parts with single slashes. A base
// without a scheme is assumed to be https.
func JoinURL(base string, parts ...string) string {
	base = strings.TrimSpace(strings.ReplaceAll(base, "\\", "/"))
	if base != "" && !schemeRE.MatchString(base) {
		base = "https://" + base
	}
	base = strings.TrimRight(base, "/")

	segs := []string{base}
	for _, p := range parts {
		p = strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/")
		if p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, "/")
}

// EncodePath escapes every segment of a slash separated path and keeps the
// separators.
func EncodePath(path string) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// CleanRemotePath returns an absolute, slash separated remote path without a
// trailing slash ("/" for the root).
func CleanRemotePath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	p = "/" + strings.Trim(p, "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

// JoinRemote joins a remote root and a relative sync path.
func JoinRemote(root, rel string) string {
	root = CleanRemotePath(root)
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return root
	}
	if root == "/" {
		return "/" + rel
	}
	return root + "/" + rel
}
