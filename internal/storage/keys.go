package storage

import (
	"path"
	"strings"
)

// RelativeKey strips prefix from key, as used when mirroring a source
// prefix layout under a destination.
func RelativeKey(prefix, key string) string {
	if prefix == "" {
		return strings.TrimPrefix(key, "/")
	}
	rel := strings.TrimPrefix(key, prefix)
	return strings.TrimPrefix(rel, "/")
}

// DestinationKey places the relative part of srcKey (below srcPrefix)
// under dstPrefix.
func DestinationKey(srcPrefix, srcKey, dstPrefix string) string {
	dst := strings.TrimSuffix(strings.TrimSpace(dstPrefix), "/")
	rel := RelativeKey(srcPrefix, srcKey)
	if rel == "" {
		if dst == "" {
			return path.Base(srcKey)
		}
		return dst
	}
	if dst == "" {
		return rel
	}
	return dst + "/" + rel
}

// LastSegment returns the final non-empty path element of key.
func LastSegment(key string) string {
	trimmed := strings.Trim(key, "/")
	if trimmed == "" {
		return ""
	}
	return path.Base(trimmed)
}
