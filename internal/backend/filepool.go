package backend

import (
	"container/list"
	"os"
	"sync"
)

// filePool is an LRU cache of open append-mode file handles, bounded to
// maxSize entries (default 100, spec §4.2.b). Eviction closes the
// handle; a handle is opened lazily on first use.
type filePool struct {
	mu      sync.Mutex
	maxSize int
	files   map[string]*poolEntry
	lru     *list.List
}

type poolEntry struct {
	path    string
	file    *os.File
	element *list.Element
}

func newFilePool(maxSize int) *filePool {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &filePool{
		maxSize: maxSize,
		files:   make(map[string]*poolEntry),
		lru:     list.New(),
	}
}

// get returns an append-mode handle for path, opening it if necessary
// and evicting the least-recently-used handle if the pool is full. The
// returned file must not be closed by the caller.
func (p *filePool) get(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.files[path]; ok {
		p.lru.MoveToFront(entry.element)
		return entry.file, nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	p.evictIfNeeded()

	entry := &poolEntry{path: path, file: file}
	entry.element = p.lru.PushFront(entry)
	p.files[path] = entry
	return file, nil
}

// sync flushes path's handle to stable storage, if open.
func (p *filePool) sync(path string) error {
	p.mu.Lock()
	entry, ok := p.files[path]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return entry.file.Sync()
}

// remove closes and evicts path's handle, if open.
func (p *filePool) remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.files[path]
	if !ok {
		return nil
	}
	p.lru.Remove(entry.element)
	delete(p.files, path)
	return entry.file.Close()
}

// closeAll closes every open handle.
func (p *filePool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var lastErr error
	for path, entry := range p.files {
		if err := entry.file.Close(); err != nil {
			lastErr = err
		}
		delete(p.files, path)
	}
	p.lru.Init()
	return lastErr
}

// evictIfNeeded evicts the LRU-tail entry if the pool is at capacity.
// Must be called with p.mu held. Eviction never blocks the caller on a
// close error — it logs nowhere (callers log-and-continue is the
// caller's job) and always proceeds.
func (p *filePool) evictIfNeeded() {
	if len(p.files) < p.maxSize {
		return
	}
	elem := p.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*poolEntry)
	p.lru.Remove(elem)
	delete(p.files, entry.path)
	entry.file.Close()
}
