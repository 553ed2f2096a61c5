// internal/storage/file.go
package storage

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"meshdb/internal/proto"
)

const maxScanSize = 2 * proto.MaxFrameSize

// compactSlack is how many appended lines beyond the live key count are
// tolerated before the log is rewritten.
const compactSlack = 1024

// FileStore is an append-only JSONL log with an in-memory index. Every Put
// appends one line and fsyncs; when the log accumulates enough superseded
// lines it is compacted via a tmp file and a single rename.
type FileStore struct {
	mu    sync.Mutex
	path  string
	recs  map[string]Record
	lines int
}

func OpenFile(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	s := &FileStore{path: path, recs: make(map[string]Record)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// load replays the log; later lines for the same key win.
func (s *FileStore) load() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := newScanner(f)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err == nil && rec.Key() != "" {
			s.recs[rec.Key()] = rec
			s.lines++
		}
	}
	return sc.Err()
}

func (s *FileStore) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		_ = f.Close()
		return err
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	s.recs[rec.Key()] = cloneRecord(rec)
	s.lines++
	if s.lines > len(s.recs)+compactSlack {
		return s.compact()
	}
	return nil
}

// compact rewrites only the live records. Caller holds the lock.
func (s *FileStore) compact() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(s.recs))
	for key := range s.recs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	enc := json.NewEncoder(f)
	for _, key := range keys {
		if err := enc.Encode(s.recs[key]); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}

	// close before rename, or the rename fails on Windows
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	syncDir(s.path)
	s.lines = len(s.recs)
	return nil
}

func (s *FileStore) Get(key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *FileStore) Query(prefix string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for key, rec := range s.recs {
		if hasPrefix(key, prefix) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *FileStore) Keys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key := range s.recs {
		if hasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close compacts the log so the next open replays only live records.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lines > len(s.recs) {
		return s.compact()
	}
	return nil
}
