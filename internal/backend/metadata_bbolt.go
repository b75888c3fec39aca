package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/durablestreams/streamd/internal/offset"
)

var metadataBucket = []byte("metadata")

// metadataStore is the embedded ordered KV store backing file-backed
// stream metadata (spec §4.2.b): one key per stream path, one atomic
// record per key, including the directoryName of its current segment
// incarnation and its full producer/closure state.
type metadataStore struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	path   string
	closed bool
}

type metadataRecord struct {
	Path          string                    `json:"path"`
	ContentType   string                    `json:"content_type"`
	CurrentOffset string                    `json:"current_offset"`
	LastSeq       string                    `json:"last_seq"`
	TTLSeconds    *int64                    `json:"ttl_seconds,omitempty"`
	ExpiresAt     *int64                    `json:"expires_at,omitempty"`
	CreatedAt     int64                     `json:"created_at"`
	DirectoryName string                    `json:"directory_name"`
	Producers     map[string]producerRecord `json:"producers,omitempty"`
	Closed        bool                      `json:"closed,omitempty"`
	ClosedBy      *closedByRecord           `json:"closed_by,omitempty"`
}

type producerRecord struct {
	Epoch       int64 `json:"epoch"`
	LastSeq     int64 `json:"last_seq"`
	LastUpdated int64 `json:"last_updated"`
}

type closedByRecord struct {
	ProducerID string `json:"producer_id"`
	Epoch      int64  `json:"epoch"`
	Seq        int64  `json:"seq"`
}

func newMetadataStore(dataDir string) (*metadataStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "metadata.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create metadata bucket: %w", err)
	}

	return &metadataStore{db: db, path: dataDir}, nil
}

func toRecord(info *StreamInfo, directoryName string) metadataRecord {
	rec := metadataRecord{
		Path:          info.Path,
		ContentType:   info.ContentType,
		CurrentOffset: info.CurrentOffset.String(),
		LastSeq:       info.LastSeq,
		TTLSeconds:    info.TTLSeconds,
		CreatedAt:     info.CreatedAt.Unix(),
		DirectoryName: directoryName,
		Closed:        info.Closed,
	}
	if info.ExpiresAt != nil {
		ts := info.ExpiresAt.Unix()
		rec.ExpiresAt = &ts
	}
	if len(info.Producers) > 0 {
		rec.Producers = make(map[string]producerRecord, len(info.Producers))
		for id, st := range info.Producers {
			rec.Producers[id] = producerRecord{Epoch: st.Epoch, LastSeq: st.LastSeq, LastUpdated: st.LastUpdated.Unix()}
		}
	}
	if info.ClosedBy != nil {
		rec.ClosedBy = &closedByRecord{ProducerID: info.ClosedBy.ProducerID, Epoch: info.ClosedBy.Epoch, Seq: info.ClosedBy.Seq}
	}
	return rec
}

func fromRecord(rec metadataRecord) (*StreamInfo, string, error) {
	off, err := offset.Parse(rec.CurrentOffset)
	if err != nil {
		return nil, "", fmt.Errorf("parse stored offset: %w", err)
	}

	info := &StreamInfo{
		Path:          rec.Path,
		ContentType:   rec.ContentType,
		CurrentOffset: off,
		LastSeq:       rec.LastSeq,
		TTLSeconds:    rec.TTLSeconds,
		CreatedAt:     time.Unix(rec.CreatedAt, 0),
		Closed:        rec.Closed,
	}
	if rec.ExpiresAt != nil {
		t := time.Unix(*rec.ExpiresAt, 0)
		info.ExpiresAt = &t
	}
	if len(rec.Producers) > 0 {
		info.Producers = make(map[string]ProducerState, len(rec.Producers))
		for id, p := range rec.Producers {
			info.Producers[id] = ProducerState{Epoch: p.Epoch, LastSeq: p.LastSeq, LastUpdated: time.Unix(p.LastUpdated, 0)}
		}
	} else {
		info.Producers = make(map[string]ProducerState)
	}
	if rec.ClosedBy != nil {
		info.ClosedBy = &ClosedBy{ProducerID: rec.ClosedBy.ProducerID, Epoch: rec.ClosedBy.Epoch, Seq: rec.ClosedBy.Seq}
	}
	return info, rec.DirectoryName, nil
}

func (s *metadataStore) put(info *StreamInfo, directoryName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	data, err := json.Marshal(toRecord(info, directoryName))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put([]byte(info.Path), data)
	})
}

func (s *metadataStore) delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		if b.Get([]byte(path)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(path))
	})
}

// updateAppendState atomically persists the offset/lastSeq/producer/
// closure side effects of one append (spec §4.2.b step 5).
func (s *metadataStore) updateAppendState(path string, newOffset offset.Offset, mut AppendMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		data := b.Get([]byte(path))
		if data == nil {
			return ErrNotFound
		}
		var rec metadataRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}

		rec.CurrentOffset = newOffset.String()
		if mut.LastSeq != nil {
			rec.LastSeq = *mut.LastSeq
		}
		if mut.ProducerID != "" && mut.ProducerUpdate != nil {
			if rec.Producers == nil {
				rec.Producers = make(map[string]producerRecord)
			}
			rec.Producers[mut.ProducerID] = producerRecord{
				Epoch:       mut.ProducerUpdate.Epoch,
				LastSeq:     mut.ProducerUpdate.LastSeq,
				LastUpdated: mut.ProducerUpdate.LastUpdated.Unix(),
			}
		}
		if mut.Closed != nil && *mut.Closed {
			rec.Closed = true
			if mut.ClosedBy != nil {
				rec.ClosedBy = &closedByRecord{ProducerID: mut.ClosedBy.ProducerID, Epoch: mut.ClosedBy.Epoch, Seq: mut.ClosedBy.Seq}
			}
		}

		newData, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), newData)
	})
}

// setClosed persists a metadata-only closure and Stream-Seq watermark
// (no byte append), used by File.Update. Producer state in mut is not
// persisted here.
func (s *metadataStore) setClosed(path string, mut AppendMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		data := b.Get([]byte(path))
		if data == nil {
			return ErrNotFound
		}
		var rec metadataRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if mut.Closed != nil && *mut.Closed {
			rec.Closed = true
			if mut.ClosedBy != nil {
				rec.ClosedBy = &closedByRecord{ProducerID: mut.ClosedBy.ProducerID, Epoch: mut.ClosedBy.Epoch, Seq: mut.ClosedBy.Seq}
			}
		}
		if mut.LastSeq != nil {
			rec.LastSeq = *mut.LastSeq
		}
		newData, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), newData)
	})
}

// forEach iterates every stored stream record, used on startup to
// populate the in-memory cache and drive crash recovery.
func (s *metadataStore) forEach(fn func(info *StreamInfo, directoryName string) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).ForEach(func(k, v []byte) error {
			var rec metadataRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			info, dirName, err := fromRecord(rec)
			if err != nil {
				return err
			}
			return fn(info, dirName)
		})
	})
}

func (s *metadataStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
