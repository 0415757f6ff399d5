package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Key builders derive deterministic, collision-resistant keys per pipeline
// stage. Every input that affects a cached value's correctness participates
// in the key; a summary cached without its query would silently serve a
// mismatched answer for a different query.

const (
	fetchNamespace   = "fetch"
	extractNamespace = "extract"
	summaryNamespace = "summary"
)

// FetchKey derives the cache key for raw fetched content.
func FetchKey(target string, params map[string]string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(target))
	sb.WriteByte(0)

	// Stable-sort params for determinism across process restarts.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
		sb.WriteByte(0)
	}

	return hashKey(fetchNamespace, sb.String())
}

// ExtractKey derives the cache key for extracted text. The extractor
// fingerprint invalidates cached extractions when the algorithm changes.
func ExtractKey(target, extractorFingerprint string) string {
	return hashKey(extractNamespace, strings.TrimSpace(target)+"\x00"+extractorFingerprint)
}

// SummaryKey derives the cache key for a finished summary over one or more
// sources. The source set is order-insensitive.
func SummaryKey(sources []string, query, modelFingerprint string) string {
	sorted := make([]string, len(sources))
	copy(sorted, sources)
	sort.Strings(sorted)

	var sb strings.Builder
	for _, src := range sorted {
		sb.WriteString(strings.TrimSpace(src))
		sb.WriteByte(0)
	}
	sb.WriteString(strings.TrimSpace(query))
	sb.WriteByte(0)
	sb.WriteString(modelFingerprint)

	return hashKey(summaryNamespace, sb.String())
}

// hashKey bounds key length with a cryptographic hash while keeping a
// readable namespace prefix for debugging and per-stage accounting.
func hashKey(namespace, material string) string {
	sum := sha256.Sum256([]byte(material))
	return namespace + "/" + hex.EncodeToString(sum[:])
}
