// ABOUTME: JSON encoding for the metadata column shared by every table
// ABOUTME: Decoding never fails: corrupt payloads become an empty map

package store

import (
	"encoding/json"
	"log/slog"
)

// encodeMetadata serializes metadata, storing "{}" for a nil map
func encodeMetadata(m Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMetadata parses a stored metadata payload. It returns the decoded map and
// true, or an empty map and false when the payload is not a JSON object.
func DecodeMetadata(raw string) (Metadata, bool) {
	if raw == "" {
		return Metadata{}, true
	}
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return Metadata{}, false
	}
	return m, true
}

// decodeMetadataLogged decodes and logs the fallback so a corrupt row is visible
// in logs without failing the read.
func decodeMetadataLogged(logger *slog.Logger, table, id, raw string) Metadata {
	m, ok := DecodeMetadata(raw)
	if !ok {
		logger.Warn("corrupt metadata, using empty map", "table", table, "id", id)
	}
	return m
}
