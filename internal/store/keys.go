package store

import "fmt"

// Key layout. Every repository owns one prefix; iteration never crosses
// prefixes.
const (
	itemPrefix     = "item:"     // item:<fingerprint> -> EnrichedItem JSON
	deferredPrefix = "deferred:" // deferred:<fingerprint> -> empty marker, index of items awaiting enrichment
	dedupPrefix    = "dedup:"    // dedup:<fingerprint> -> dedup.Record JSON, TTL-bound
	runPrefix      = "run:"      // run:<sourceID>:<startNano>:<runID> -> IngestionRun JSON
	statePrefix    = "state:"    // state:<sourceID> -> SourceState JSON
)

func itemKey(fingerprint string) []byte {
	return []byte(itemPrefix + fingerprint)
}

func deferredKey(fingerprint string) []byte {
	return []byte(deferredPrefix + fingerprint)
}

// DedupKey is used by the dedup index, which shares this backend
func DedupKey(fingerprint string) []byte {
	return []byte(dedupPrefix + fingerprint)
}

func runKey(sourceID string, startNano int64, runID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", runPrefix, sourceID, startNano, runID))
}

func runSourcePrefix(sourceID string) []byte {
	return []byte(runPrefix + sourceID + ":")
}

func stateKey(sourceID string) []byte {
	return []byte(statePrefix + sourceID)
}
