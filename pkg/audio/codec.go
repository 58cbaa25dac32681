// Package audio provides audio framing helpers shared by the transport and
// the turn pipeline: base64 codec functions for client frames and a bounded
// input ring buffer with overflow protection.
package audio

import (
	"encoding/base64"
	"log/slog"
)

// DecodeBase64 decodes a base64-encoded audio payload from a client frame.
// Returns nil for an empty or malformed payload; the caller is expected to
// drop such chunks.
func DecodeBase64(audioB64 string) []byte {
	if audioB64 == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		slog.Warn("failed to decode base64 audio", "err", err)
		return nil
	}
	return raw
}

// EncodeBase64 encodes raw audio bytes for framing to the client.
func EncodeBase64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
