package ir

// Version constants for the persisted record envelope.
const (
	// RecordFormat is the current serialized record envelope version.
	// Format 0 is the untagged envelope written before the tag existed.
	RecordFormat = 1

	// CacheVersion is the graphcache library version.
	CacheVersion = "0.1.0"
)
