package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// TextNormalizer canonicalizes input text before hashing so that
// near-identical requests share one cache entry. The same normalizer
// must be applied on both the read and write paths.
type TextNormalizer struct {
	mode NormalizationMode
}

// NewTextNormalizer creates a normalizer for the given mode
func NewTextNormalizer(mode NormalizationMode) *TextNormalizer {
	if mode == "" {
		mode = NormalizationWhitespaceLowercase
	}
	return &TextNormalizer{mode: mode}
}

// Normalize applies the configured canonicalization to text
func (n *TextNormalizer) Normalize(text string) string {
	if n.mode == NormalizationNone {
		return text
	}
	return strings.ToLower(collapseWhitespace(text))
}

// Key derives the deterministic cache key for (text, provider, model).
// Keys for the same text differ across models so vectors from different
// embedding spaces can never collide.
func (n *TextNormalizer) Key(text, provider, model string) string {
	normalized := n.Normalize(text)
	sum := sha256.Sum256([]byte(normalized + "|" + provider + "|" + model))
	return hex.EncodeToString(sum[:])
}

// RedisKey returns the fully namespaced backend key
func (n *TextNormalizer) RedisKey(text, provider, model string) string {
	return fmt.Sprintf("%s:%s", EntryPrefix, n.Key(text, provider, model))
}

// collapseWhitespace trims the string and folds internal runs of
// whitespace down to a single space.
func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace {
			b.WriteByte(' ')
			inSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
