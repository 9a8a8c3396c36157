package eventstore

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// FingerprintVersion identifies the normalization and hash used by
// Fingerprint. Stored checksums are only comparable when produced under the
// same version; SQLiteStore refuses to open a database recorded under a
// different one.
const FingerprintVersion = 1

// fingerprintSep joins the normalized fields. It must not change within a
// FingerprintVersion.
const fingerprintSep = "|"

// Fingerprint returns the hex SHA-256 of an event's content fields.
//
// Each field is coerced to a string (absent values become ""), NFC-normalized
// and trimmed; the results are joined with "|" in argument order. The start
// time is rendered in UTC as RFC 3339. Tags are an unordered set, so they are
// trimmed, deduplicated, sorted and comma-joined before hashing.
func Fingerprint(title string, startTime *time.Time, venue, description, city string, tags []string) string {
	var start string
	if startTime != nil && !startTime.IsZero() {
		start = startTime.UTC().Format(time.RFC3339)
	}

	fields := []string{title, start, venue, description, city, canonicalTags(tags)}
	for i, f := range fields {
		fields[i] = strings.TrimSpace(norm.NFC.String(f))
	}

	sum := sha256.Sum256([]byte(strings.Join(fields, fingerprintSep)))
	return hex.EncodeToString(sum[:])
}

func canonicalTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return strings.Join(normalizeTags(tags), ",")
}

// normalizeTags trims, drops empties, deduplicates and sorts.
func normalizeTags(tags []string) []string {
	if tags == nil {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(norm.NFC.String(t))
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
