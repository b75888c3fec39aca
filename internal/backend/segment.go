package backend

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/durablestreams/streamd/internal/offset"
)

// SegmentFileName is the name of a stream incarnation's single append-only
// log file (spec §4.2.b, §6.2). Multi-segment rotation is an open question
// left unimplemented per spec §9; the hook is the directory layout itself.
const SegmentFileName = "segment_00000.log"

// lengthPrefixSize is the size of the big-endian length prefix.
const lengthPrefixSize = 4

// frameDelimiter terminates every frame. Its presence lets a recovery
// scan distinguish a fully-flushed frame from a torn write.
const frameDelimiter = 0x0A

// frameOverhead is the bytes of framing (length prefix + delimiter) around
// each payload; they never count toward the logical byteOffset an offset
// token addresses. No frame-inclusive byte total is tracked in metadata.
const frameOverhead = lengthPrefixSize + 1

// MaxMessageSize bounds a single frame's payload.
const MaxMessageSize = 64 * 1024 * 1024

var (
	// ErrMessageTooLarge is returned when a payload exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("backend: message exceeds maximum size")
	// ErrCorruptedSegment is returned when a frame fails its length sanity check.
	ErrCorruptedSegment = errors.New("backend: corrupted segment frame")
)

// writeFrame writes one frame (length || payload || 0x0A) to w and returns
// the number of bytes written, including the framing overhead.
func writeFrame(w io.Writer, data []byte) (int, error) {
	if len(data) > MaxMessageSize {
		return 0, ErrMessageTooLarge
	}
	buf := make([]byte, lengthPrefixSize+len(data)+1)
	binary.BigEndian.PutUint32(buf[:lengthPrefixSize], uint32(len(data)))
	copy(buf[lengthPrefixSize:], data)
	buf[len(buf)-1] = frameDelimiter
	n, err := w.Write(buf)
	return n, err
}

// readFrame reads one frame's payload from r, validating the length
// prefix and trailing delimiter.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	delim, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if delim != frameDelimiter {
		return nil, ErrCorruptedSegment
	}
	return data, nil
}

// CreateSegmentFile creates an empty segment file at path if absent.
func CreateSegmentFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// SegmentReader reads frames from a segment file starting at an arbitrary
// logical byte offset.
type SegmentReader struct {
	file *os.File
}

// NewSegmentReader opens path for reading.
func NewSegmentReader(path string) (*SegmentReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &SegmentReader{file: f}, nil
}

// Close closes the underlying file handle.
func (r *SegmentReader) Close() error { return r.file.Close() }

// ReadMessages reads every frame strictly after from.ByteOffset, returning
// them as Messages whose Offset advances by payload length only (the
// framing overhead never appears in the logical offset).
func (r *SegmentReader) ReadMessages(from offset.Offset) ([]Message, error) {
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	br := bufio.NewReader(r.file)

	cur := offset.Offset{ReadSeq: from.ReadSeq}
	var out []Message
	for {
		data, err := readFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, err
		}
		next := cur.Advance(uint64(len(data)))
		if from.LessThan(next) {
			out = append(out, Message{Data: data, Offset: next})
		}
		cur = next
	}
	return out, nil
}

// ScanSegment scans path from the beginning, tolerating a trailing
// partial length header or partial payload (a torn write), and returns
// the true logical offset the file actually contains — the authority
// used by crash recovery to reconcile metadata (spec §4.2.b, §8 S6).
func ScanSegment(path string) (offset.Offset, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return offset.Zero, err
		}
		return offset.Offset{}, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	cur := offset.Zero
	for {
		data, err := readFrame(br)
		if err != nil {
			// Any failure to parse a complete frame — EOF, unexpected
			// EOF mid-header/payload, or a missing delimiter from a
			// torn write — means we stop here; everything before is
			// durable and well-formed.
			break
		}
		cur = cur.Advance(uint64(len(data)))
	}
	return cur, nil
}

// SegmentFileSize returns the on-disk size of the segment file at path.
func SegmentFileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
