package models

import "strings"

// KeySeparator separates the levels of a hierarchical metric key.
const KeySeparator = "."

// Well-known key suffixes.
const (
	SuffixRaw    = "raw"
	SuffixParsed = "parsed"
	SuffixStatus = "status"
)

// Key joins an item key with one or more suffix segments. Empty segments
// are skipped, so the result never ends in a separator.
func Key(itemKey string, suffix ...string) string {
	var b strings.Builder
	b.WriteString(itemKey)
	for _, s := range suffix {
		if s == "" {
			continue
		}
		b.WriteString(KeySeparator)
		b.WriteString(s)
	}
	return b.String()
}

// RawKey is the key under which an item's unparsed output is stored.
func RawKey(itemKey string) string {
	return Key(itemKey, SuffixRaw)
}

// HasItemPrefix reports whether key belongs to the given item, i.e. starts
// with "<item>." and has a non-empty suffix.
func HasItemPrefix(key, itemKey string) bool {
	prefix := itemKey + KeySeparator
	return len(key) > len(prefix) && strings.HasPrefix(key, prefix)
}
