// Package offset implements the opaque, lexicographically sortable offset
// tokens used to address positions in a stream's byte log.
package offset

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset identifies a position within a stream's logical byte sequence.
// ReadSeq is a monotonic segment counter bumped only by retention events
// (always 0 in this implementation; carried through for forward
// compatibility per the reference design). ByteOffset is the cumulative
// count of user-visible payload bytes appended, excluding any on-disk
// framing overhead.
type Offset struct {
	ReadSeq    uint64
	ByteOffset uint64
}

// Zero is the canonical starting offset for a new stream.
var Zero = Offset{}

// StartSentinel is the offset query value meaning "from the beginning".
const StartSentinel = "-1"

// NowSentinel is the offset query value meaning "the tail at request time".
// It cannot be resolved by parse alone; callers resolve it against a live
// stream's current offset.
const NowSentinel = "now"

// String renders the canonical "%016d_%016d" form.
func (o Offset) String() string {
	return fmt.Sprintf("%016d_%016d", o.ReadSeq, o.ByteOffset)
}

// IsZero reports whether this is the initial offset.
func (o Offset) IsZero() bool {
	return o.ReadSeq == 0 && o.ByteOffset == 0
}

// Advance returns the offset reached after appending byteCount payload
// bytes at o.
func (o Offset) Advance(byteCount uint64) Offset {
	return Offset{ReadSeq: o.ReadSeq, ByteOffset: o.ByteOffset + byteCount}
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than
// b, comparing ReadSeq first and then ByteOffset. This matches the
// lexicographic order of the canonical string form.
func Compare(a, b Offset) int {
	if a.ReadSeq != b.ReadSeq {
		if a.ReadSeq < b.ReadSeq {
			return -1
		}
		return 1
	}
	if a.ByteOffset != b.ByteOffset {
		if a.ByteOffset < b.ByteOffset {
			return -1
		}
		return 1
	}
	return 0
}

// LessThan reports whether o < other.
func (o Offset) LessThan(other Offset) bool { return Compare(o, other) < 0 }

// LessThanOrEqual reports whether o <= other.
func (o Offset) LessThanOrEqual(other Offset) bool { return Compare(o, other) <= 0 }

// Equal reports whether o == other.
func (o Offset) Equal(other Offset) bool { return Compare(o, other) == 0 }

// IsSentinel reports whether s is the start-of-stream sentinel.
func IsSentinel(s string) bool {
	return s == StartSentinel
}

// IsNow reports whether s is the tail-at-request-time sentinel.
func IsNow(s string) bool {
	return s == NowSentinel
}

// IsValid reports whether s is a well-formed offset query value: the
// start sentinel, the now sentinel, or the canonical "\d+_\d+" form.
func IsValid(s string) bool {
	if IsSentinel(s) || IsNow(s) {
		return true
	}
	return isValidCanonicalForm(s)
}

// Normalize rewrites the start sentinel and empty string to the canonical
// zero offset string. The "now" sentinel is passed through unchanged —
// callers that can resolve it against a live tail must do so explicitly
// via Parse's ErrNowSentinel.
func Normalize(s string) string {
	if s == "" || IsSentinel(s) {
		return Zero.String()
	}
	return s
}

// ErrNowSentinel is returned by Parse when the input is the "now"
// sentinel; callers must resolve it against the stream's live tail.
var ErrNowSentinel = fmt.Errorf("offset: %q requires tail resolution", NowSentinel)

// ErrInvalid is returned by Parse for malformed offset strings.
var ErrInvalid = fmt.Errorf("invalid offset format")

// Parse converts an offset query value into an Offset. Empty string and
// the start sentinel both parse to Zero. The now sentinel returns
// ErrNowSentinel so callers can resolve it against the live tail before
// retrying. Any other malformed input returns ErrInvalid.
func Parse(s string) (Offset, error) {
	if s == "" || IsSentinel(s) {
		return Zero, nil
	}
	if IsNow(s) {
		return Offset{}, ErrNowSentinel
	}
	if !isValidCanonicalForm(s) {
		return Offset{}, ErrInvalid
	}
	parts := strings.SplitN(s, "_", 2)
	readSeq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Offset{}, ErrInvalid
	}
	byteOffset, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Offset{}, ErrInvalid
	}
	return Offset{ReadSeq: readSeq, ByteOffset: byteOffset}, nil
}

// Format builds the canonical string form for a (seq, pos) pair.
func Format(seq, pos uint64) string {
	return Offset{ReadSeq: seq, ByteOffset: pos}.String()
}

// isValidCanonicalForm reports whether s is exactly one underscore
// flanked by one or more ASCII digits on each side, with no other
// characters — rejecting control characters, extra separators, and
// leading/trailing underscores.
func isValidCanonicalForm(s string) bool {
	if len(s) < 3 {
		return false
	}
	underscoreCount := 0
	underscorePos := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
			underscoreCount++
			underscorePos = i
			if underscoreCount > 1 {
				return false
			}
		case c < '0' || c > '9':
			return false
		}
	}
	return underscoreCount == 1 && underscorePos > 0 && underscorePos < len(s)-1
}
