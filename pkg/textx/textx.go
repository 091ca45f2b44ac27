// Package textx provides small text utilities used across the project.
package textx

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	scriptTagRe = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>|<script\b[^>]*/?>`)
	slugDropRe  = regexp.MustCompile(`[^a-z0-9]+`)
	hashtagRe   = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)
	mentionRe   = regexp.MustCompile(`@([A-Za-z0-9_.-]+)`)
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// CleanUserInput is the edge sanitization applied to every string field
// of a decoded request body: script tags removed, unicode normalized to
// NFC, control characters stripped.
func CleanUserInput(s string) string {
	s = scriptTagRe.ReplaceAllString(s, "")
	s = norm.NFC.String(s)
	return SanitizeText(s)
}

// HasNullByte reports whether b contains a NUL. Bodies carrying NUL
// bytes are rejected before JSON decoding.
func HasNullByte(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}

// Slug lowercases s and collapses runs of non-alphanumerics into single
// hyphens, for use in cache keys.
func Slug(s string) string {
	s = strings.ToLower(norm.NFC.String(s))
	s = slugDropRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// MD5Hex returns the lowercase hex md5 of s. Used for content-addressed
// cache keys and stable job ids, not for anything security sensitive.
func MD5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Hashtags extracts #tags from content, lowercased, deduplicated, in
// first-appearance order.
func Hashtags(content string) []string {
	return extractUnique(hashtagRe, content, true)
}

// Mentions extracts @names from content, deduplicated, in
// first-appearance order. Case is preserved: mention targets are
// resolved against display handles elsewhere.
func Mentions(content string) []string {
	return extractUnique(mentionRe, content, false)
}

func extractUnique(re *regexp.Regexp, content string, lower bool) []string {
	matches := re.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		v := m[1]
		if lower {
			v = strings.ToLower(v)
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Truncate returns at most n bytes of s, cutting on a rune boundary.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
