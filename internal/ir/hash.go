package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainRecord prefixes record fingerprints. The version suffix allows the
// algorithm to change.
const DomainRecord = "graphcache/record/v1"

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordFingerprint hashes a record's identity, type and fields.
// Version is excluded: two records holding the same data match regardless of
// how many merges produced them.
func RecordFingerprint(r Record) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"key":    IRString(r.Key),
		"type":   IRString(r.Type),
		"fields": r.Fields,
	})
	if err != nil {
		return "", fmt.Errorf("RecordFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRecord, canonical), nil
}
