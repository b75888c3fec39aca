package httpapi

import "encoding/base64"

// buildETag implements the ETag scheme of spec §4.4:
// base64(path) ":" startOffset ":" endOffset [":c"]. The ":c" suffix is
// appended when the response conveys a closed-at-tail state, so ETags
// differ across open/closed states of the same byte range.
func buildETag(path, startOffset, endOffset string, closedAtTail bool) string {
	encodedPath := base64.StdEncoding.EncodeToString([]byte(path))
	etag := encodedPath + ":" + startOffset + ":" + endOffset
	if closedAtTail {
		etag += ":c"
	}
	return `"` + etag + `"`
}
