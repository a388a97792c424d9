// Package dedup decides item novelty. The index is the single authority
// for "has this content been seen": concurrent writers for the same
// fingerprint agree that exactly one wins.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// FingerprintConfig tunes content fingerprinting
type FingerprintConfig struct {
	BodyPrefix   int // Bytes of normalized body hashed after the title
	MinBodyBytes int // Below this the canonical URL is hashed instead
}

// Fingerprint derives a deterministic identifier for an item. Content
// hashing uses the case-folded, whitespace-collapsed title plus the
// first BodyPrefix bytes of the body. When the body is too short to be
// reliable (paywalled previews, teaser feeds) the canonical URL is used
// instead.
func Fingerprint(title, body, rawURL string, cfg FingerprintConfig) string {
	if cfg.BodyPrefix <= 0 {
		cfg.BodyPrefix = 512
	}

	normBody := normalize(body)
	if len(normBody) < cfg.MinBodyBytes {
		if canonical := canonicalURL(rawURL); canonical != "" {
			return hash("url:" + canonical)
		}
	}

	if len(normBody) > cfg.BodyPrefix {
		normBody = normBody[:cfg.BodyPrefix]
	}
	return hash("content:" + normalize(title) + "\n" + normBody)
}

// normalize case-folds and collapses whitespace
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// canonicalURL strips fragments, query tracking noise, and trailing
// slashes so that republished links compare equal
func canonicalURL(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return strings.TrimSpace(rawURL)
	}

	parsed.Fragment = ""
	q := parsed.Query()
	for key := range q {
		if strings.HasPrefix(key, "utm_") || key == "fbclid" || key == "gclid" {
			q.Del(key)
		}
	}
	parsed.RawQuery = q.Encode()

	canonical := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host) + strings.TrimSuffix(parsed.Path, "/")
	if parsed.RawQuery != "" {
		canonical += "?" + parsed.RawQuery
	}
	return canonical
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
