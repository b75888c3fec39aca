package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// IsJSONContentType reports whether ct (after stripping parameters) is
// application/json, case-insensitively.
func IsJSONContentType(ct string) bool {
	return strings.EqualFold(ExtractMediaType(ct), "application/json")
}

// ExtractMediaType strips any parameters (e.g. ";charset=utf-8") from a
// Content-Type header value.
func ExtractMediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		return ct[:i]
	}
	return ct
}

// ContentTypeMatches compares two content types ignoring case and
// parameters, treating an empty value as application/octet-stream.
func ContentTypeMatches(a, b string) bool {
	return strings.EqualFold(ExtractMediaType(NormalizeContentType(a)), ExtractMediaType(NormalizeContentType(b)))
}

// NormalizeContentType implements spec §3's data-model rule: the stored
// content type is the media type only, lowercased; a missing value
// normalizes to application/octet-stream.
func NormalizeContentType(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return strings.ToLower(ExtractMediaType(ct))
}

// processJSONAppend implements spec §4.3.2 step 6 / §4.3.1's initial-data
// variant: the request body is parsed; if it is a JSON array, elements
// are flattened and each re-emitted as "elem," (trailing comma); a
// single value is re-serialized as "value,". An empty array is only
// permitted when isInitialCreate is true, in which case it produces
// zero stored bytes.
func processJSONAppend(data []byte, isInitialCreate bool) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return nil, newError(KindInvalidJSON, "invalid JSON body")
	}

	if len(trimmed) > 0 && trimmed[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, newError(KindInvalidJSON, "invalid JSON array")
		}
		if len(elems) == 0 {
			if isInitialCreate {
				return []byte{}, nil
			}
			return nil, newError(KindEmptyJSONArray, "empty JSON array not allowed on append")
		}
		var buf bytes.Buffer
		for _, e := range elems {
			buf.Write(bytes.TrimSpace(e))
			buf.WriteByte(',')
		}
		return buf.Bytes(), nil
	}

	var buf bytes.Buffer
	buf.Write(trimmed)
	buf.WriteByte(',')
	return buf.Bytes(), nil
}

// FormatJSONResponse builds the response body for a JSON stream: the
// stored bytes already end in trailing commas (processJSONAppend's
// framing), so the Stream Manager concatenates them, wraps in [ ], and
// strips the final trailing comma (spec §4.4).
func FormatJSONResponse(concatenated []byte) []byte {
	trimmed := bytes.TrimSuffix(concatenated, []byte{','})
	out := make([]byte, 0, len(trimmed)+2)
	out = append(out, '[')
	out = append(out, trimmed...)
	out = append(out, ']')
	return out
}
