package backend

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/durablestreams/streamd/internal/offset"
)

// FileConfig configures the File backend variant.
type FileConfig struct {
	// DataDir is the root directory for metadata.db and streams/.
	DataDir string
	// MaxFileHandles bounds the write-handle LRU pool. Zero uses the
	// default of 100.
	MaxFileHandles int
}

type fileStreamEntry struct {
	mu            sync.Mutex
	info          StreamInfo
	directoryName string
}

// File is the durable Backend Store variant (spec §4.2.b): an embedded
// ordered KV store for metadata plus one append-only segment file per
// stream incarnation, an LRU write-handle pool, and startup recovery
// that reconciles metadata to each segment's true on-disk offset.
type File struct {
	dataDir string
	meta    *metadataStore
	pool    *filePool
	waiters *waiterRegistry

	mu      sync.RWMutex
	streams map[string]*fileStreamEntry

	now func() time.Time
}

// NewFile opens (or creates) a durable store rooted at cfg.DataDir,
// running crash recovery against every stream found in metadata.
func NewFile(cfg FileConfig) (*File, error) {
	streamsDir := filepath.Join(cfg.DataDir, "streams")
	if err := os.MkdirAll(streamsDir, 0755); err != nil {
		return nil, fmt.Errorf("create streams dir: %w", err)
	}

	meta, err := newMetadataStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	f := &File{
		dataDir: cfg.DataDir,
		meta:    meta,
		pool:    newFilePool(cfg.MaxFileHandles),
		waiters: newWaiterRegistry(),
		streams: make(map[string]*fileStreamEntry),
		now:     time.Now,
	}

	if err := f.recover(); err != nil {
		meta.close()
		return nil, err
	}
	return f, nil
}

// recover scans every stream's segment file and reconciles metadata to
// the file's true offset, discarding any trailing torn write (spec
// §4.2.b recovery, §8 S6). Streams whose segment file is missing are
// dropped entirely.
func (f *File) recover() error {
	type mismatch struct {
		path        string
		trueOffset  offset.Offset
		missing     bool
		info        StreamInfo
		dirName     string
	}
	var repairs []mismatch

	err := f.meta.forEach(func(info *StreamInfo, dirName string) error {
		segPath := f.segmentPath(dirName)
		if _, statErr := os.Stat(segPath); os.IsNotExist(statErr) {
			repairs = append(repairs, mismatch{path: info.Path, missing: true})
			return nil
		}
		trueOffset, scanErr := ScanSegment(segPath)
		if scanErr != nil {
			return scanErr
		}

		entry := &fileStreamEntry{info: *info, directoryName: dirName}
		f.mu.Lock()
		f.streams[info.Path] = entry
		f.mu.Unlock()

		if !trueOffset.Equal(info.CurrentOffset) {
			repairs = append(repairs, mismatch{path: info.Path, trueOffset: trueOffset, info: *info, dirName: dirName})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, r := range repairs {
		if r.missing {
			f.meta.delete(r.path)
			f.mu.Lock()
			delete(f.streams, r.path)
			f.mu.Unlock()
			continue
		}
		if err := f.meta.updateAppendState(r.path, r.trueOffset, AppendMutation{}); err != nil {
			return err
		}
		f.mu.Lock()
		if entry, ok := f.streams[r.path]; ok {
			entry.info.CurrentOffset = r.trueOffset
		}
		f.mu.Unlock()
	}
	return nil
}

func (f *File) segmentPath(directoryName string) string {
	return filepath.Join(f.dataDir, "streams", directoryName, SegmentFileName)
}

// generateDirectoryName builds a unique-per-incarnation directory name
// so that deletion can be asynchronous while the path is immediately
// reusable: encode(path) + "~" + base36(createdAtMs) + "~" + a uuid
// suffix in place of the reference implementation's crypto/rand hex.
func generateDirectoryName(path string, createdAt time.Time) string {
	suffix := uuid.New().String()
	return url.PathEscape(path) + "~" + strconv.FormatInt(createdAt.UnixMilli(), 36) + "~" + suffix
}

func (f *File) Create(path string, cfg CreateConfig) (bool, error) {
	f.mu.RLock()
	existing, ok := f.streams[path]
	f.mu.RUnlock()
	if ok {
		existing.mu.Lock()
		expired := existing.info.IsExpired(f.now())
		existing.mu.Unlock()
		if !expired {
			return false, nil
		}
	}

	createdAt := f.now()
	dirName := generateDirectoryName(path, createdAt)
	streamDir := filepath.Join(f.dataDir, "streams", dirName)
	if err := os.MkdirAll(streamDir, 0755); err != nil {
		return false, fmt.Errorf("create stream dir: %w", err)
	}
	segPath := f.segmentPath(dirName)
	if err := CreateSegmentFile(segPath); err != nil {
		return false, fmt.Errorf("create segment file: %w", err)
	}

	info := StreamInfo{
		Path:        path,
		ContentType: cfg.ContentType,
		CreatedAt:   createdAt,
		TTLSeconds:  cfg.TTLSeconds,
		ExpiresAt:   cfg.ExpiresAt,
		Producers:   make(map[string]ProducerState),
		Closed:      cfg.Closed,
	}

	if len(cfg.InitialData) > 0 {
		handle, err := f.pool.get(segPath)
		if err != nil {
			return false, err
		}
		if _, err := writeFrame(handle, cfg.InitialData); err != nil {
			return false, err
		}
		if err := f.pool.sync(segPath); err != nil {
			return false, err
		}
		info.CurrentOffset = info.CurrentOffset.Advance(uint64(len(cfg.InitialData)))
	}

	if err := f.meta.put(&info, dirName); err != nil {
		return false, err
	}

	f.mu.Lock()
	f.streams[path] = &fileStreamEntry{info: info, directoryName: dirName}
	f.mu.Unlock()
	return true, nil
}

func (f *File) Head(path string) (*StreamInfo, error) {
	f.mu.RLock()
	entry, ok := f.streams[path]
	f.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	entry.mu.Lock()
	expired := entry.info.IsExpired(f.now())
	info := entry.info
	entry.mu.Unlock()

	if expired {
		f.Delete(path)
		return nil, ErrNotFound
	}
	return &info, nil
}

func (f *File) Delete(path string) (bool, error) {
	f.mu.Lock()
	entry, ok := f.streams[path]
	if ok {
		delete(f.streams, path)
	}
	f.mu.Unlock()
	if !ok {
		return false, nil
	}

	segPath := f.segmentPath(entry.directoryName)
	f.pool.remove(segPath)
	f.meta.delete(path)
	f.waiters.drop(path)

	// Rename-then-async-remove so the directory entry disappears
	// immediately and the path becomes reusable without waiting on the
	// filesystem to actually reclaim the segment's disk space.
	streamDir := filepath.Join(f.dataDir, "streams", entry.directoryName)
	tombstone := filepath.Join(f.dataDir, "streams", ".deleted~"+entry.directoryName+"~"+strconv.FormatInt(time.Now().UnixNano(), 10))
	if err := os.Rename(streamDir, tombstone); err == nil {
		go os.RemoveAll(tombstone)
	}
	return true, nil
}

func (f *File) Append(path string, data []byte, mut AppendMutation) (offset.Offset, error) {
	f.mu.RLock()
	entry, ok := f.streams[path]
	f.mu.RUnlock()
	if !ok {
		return offset.Offset{}, ErrNotFound
	}

	entry.mu.Lock()
	if entry.info.IsExpired(f.now()) {
		entry.mu.Unlock()
		return offset.Offset{}, ErrNotFound
	}
	if entry.info.Closed {
		entry.mu.Unlock()
		return offset.Offset{}, ErrClosed
	}

	segPath := f.segmentPath(entry.directoryName)
	newOffset := entry.info.CurrentOffset
	if len(data) > 0 {
		handle, err := f.pool.get(segPath)
		if err != nil {
			entry.mu.Unlock()
			return offset.Offset{}, err
		}
		if _, err := writeFrame(handle, data); err != nil {
			entry.mu.Unlock()
			return offset.Offset{}, err
		}
		// fdatasync before metadata commit is the durability contract:
		// an acknowledgment implies the bytes are on disk before any
		// reader can observe the new offset.
		if err := f.pool.sync(segPath); err != nil {
			entry.mu.Unlock()
			return offset.Offset{}, err
		}
		newOffset = entry.info.CurrentOffset.Advance(uint64(len(data)))
	}

	if err := f.meta.updateAppendState(path, newOffset, mut); err != nil {
		entry.mu.Unlock()
		return offset.Offset{}, err
	}
	entry.info.CurrentOffset = newOffset
	applyMutation(&entry.info, mut)
	closedNow := entry.info.Closed
	entry.mu.Unlock()

	f.waiters.notify(path)
	if closedNow {
		f.waiters.notify(path)
	}
	return newOffset, nil
}

func (f *File) Update(path string, mut AppendMutation) error {
	f.mu.RLock()
	entry, ok := f.streams[path]
	f.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	entry.mu.Lock()
	if entry.info.IsExpired(f.now()) {
		entry.mu.Unlock()
		return ErrNotFound
	}
	wasClosed := entry.info.Closed
	applyMutation(&entry.info, mut)
	nowClosed := entry.info.Closed
	entry.mu.Unlock()

	if err := f.meta.setClosed(path, mut); err != nil {
		return err
	}
	if nowClosed && !wasClosed {
		f.waiters.notify(path)
	}
	return nil
}

func (f *File) Read(path string, from offset.Offset) (ReadResult, error) {
	f.mu.RLock()
	entry, ok := f.streams[path]
	f.mu.RUnlock()
	if !ok {
		return ReadResult{}, ErrNotFound
	}

	entry.mu.Lock()
	if entry.info.IsExpired(f.now()) {
		entry.mu.Unlock()
		return ReadResult{}, ErrNotFound
	}
	current := entry.info.CurrentOffset
	dirName := entry.directoryName
	entry.mu.Unlock()

	if from.Equal(current) {
		return ReadResult{CurrentOffset: current}, nil
	}

	reader, err := NewSegmentReader(f.segmentPath(dirName))
	if err != nil {
		return ReadResult{}, err
	}
	defer reader.Close()

	msgs, err := reader.ReadMessages(from)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Messages: msgs, CurrentOffset: current}, nil
}

func (f *File) WaitForData(ctx context.Context, path string, from offset.Offset, timeout time.Duration) (WaitResult, error) {
	ch, unregister := f.waiters.register(path)
	defer unregister()

	res, err := f.Read(path, from)
	if err != nil {
		return WaitResult{}, err
	}
	if len(res.Messages) > 0 {
		return WaitResult{Messages: res.Messages}, nil
	}
	if info, err := f.Head(path); err == nil && info.Closed {
		return WaitResult{Closed: true}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		res, err := f.Read(path, from)
		if err != nil {
			return WaitResult{}, nil
		}
		if len(res.Messages) > 0 {
			return WaitResult{Messages: res.Messages}, nil
		}
		if info, err := f.Head(path); err == nil && info.Closed {
			return WaitResult{Closed: true}, nil
		}
		return WaitResult{}, nil
	case <-timer.C:
		return WaitResult{TimedOut: true}, nil
	case <-ctx.Done():
		return WaitResult{TimedOut: true}, nil
	}
}

func (f *File) Close() error {
	if err := f.pool.closeAll(); err != nil {
		return err
	}
	return f.meta.close()
}
