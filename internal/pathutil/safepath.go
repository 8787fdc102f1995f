package pathutil

import (
	"net/url"
	"strings"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Hidden reports whether any segment of p is a dot file or dot directory.
// .well-known is not hidden, it is published for ACME and app links.
func Hidden(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if len(seg) > 1 && seg[0] == '.' && seg != "..." && seg != ".well-known" {
			return true
		}
	}
	return false
}

// InvalidationPattern turns a content path into the CDN purge pattern for it.
// Each segment is percent-encoded, so spaces and non-ASCII names match the
// object URL and a literal '*' becomes %2A instead of a wildcard.
func InvalidationPattern(p string) string {
	segs := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return "/" + strings.Join(segs, "/")
}
