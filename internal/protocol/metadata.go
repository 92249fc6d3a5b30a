package protocol

import (
	"encoding/base64"
	"strings"

	"uploadsvc/internal/logging"
)

// parseUploadMetadata decodes the TUS Upload-Metadata header: a
// comma-separated list of "key base64value" or bare "key" pairs. A
// malformed base64 value is kept as raw text rather than dropped, and a
// warning is logged, since surfacing the unusual value is more useful to
// an operator than silently losing it. Duplicate keys: last one wins.
//
// Grounded on valvx-api's parseTUSMetadata, the one pack implementation
// that actually base64-decodes (the teacher's extractMetadata leaves the
// value encoded and comments that "in production, this should be
// base64-decoded").
func parseUploadMetadata(header string) map[string]string {
	result := make(map[string]string)
	if header == "" {
		return result
	}

	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, " ", 2)
		key := parts[0]
		if len(parts) == 1 {
			result[key] = ""
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			logging.Warn("upload_metadata_decode_failed", map[string]any{"key": key})
			result[key] = parts[1]
			continue
		}
		result[key] = string(decoded)
	}
	return result
}
