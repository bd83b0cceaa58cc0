package hls

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Store is the persistence abstraction for segment and playlist bytes.
// Implementations can be on-disk or in-memory. Keys are "app/name".
// The Repository decides when files are written and removed; Store only
// moves bytes.
type Store interface {
	WriteSegment(key string, seq int64, data []byte) error
	OpenSegment(key string, seq int64) (io.ReadCloser, error)
	RemoveSegment(key string, seq int64) error
	WritePlaylist(key string, body []byte) error
	RemoveStream(key string) error
	ListStreams() ([]StoredStream, error)
}

// StoredStream describes a stream directory found in storage.
type StoredStream struct {
	Key     string
	ModTime time.Time
}

// DiskStore writes segments under Root/<app>/<name>/. Writes go to a
// temporary file that is renamed into place so readers never observe a
// partial segment or playlist.
type DiskStore struct {
	Root string
}

// NewDiskStore returns a DiskStore rooted at root, creating it if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &DiskStore{Root: root}, nil
}

func (s *DiskStore) dir(key string) string {
	return filepath.Join(s.Root, filepath.FromSlash(key))
}

// WriteSegment implements Store.WriteSegment.
func (s *DiskStore) WriteSegment(key string, seq int64, data []byte) error {
	return s.writeAtomic(key, SegmentName(seq), data)
}

// OpenSegment implements Store.OpenSegment.
func (s *DiskStore) OpenSegment(key string, seq int64) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.dir(key), SegmentName(seq)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSegmentNotFound
	}
	return f, err
}

// RemoveSegment implements Store.RemoveSegment. Removing a missing file is not an error.
func (s *DiskStore) RemoveSegment(key string, seq int64) error {
	err := os.Remove(filepath.Join(s.dir(key), SegmentName(seq)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// WritePlaylist implements Store.WritePlaylist.
func (s *DiskStore) WritePlaylist(key string, body []byte) error {
	return s.writeAtomic(key, PlaylistName, body)
}

// RemoveStream implements Store.RemoveStream. The app directory is removed
// as well once it is empty.
func (s *DiskStore) RemoveStream(key string) error {
	dir := s.dir(key)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	_ = os.Remove(filepath.Dir(dir))
	return nil
}

// ListStreams implements Store.ListStreams by scanning two directory levels.
func (s *DiskStore) ListStreams() ([]StoredStream, error) {
	apps, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, err
	}
	var out []StoredStream
	for _, app := range apps {
		if !app.IsDir() {
			continue
		}
		names, err := os.ReadDir(filepath.Join(s.Root, app.Name()))
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if !name.IsDir() {
				continue
			}
			info, err := name.Info()
			if err != nil {
				continue
			}
			out = append(out, StoredStream{Key: app.Name() + "/" + name.Name(), ModTime: info.ModTime()})
		}
	}
	return out, nil
}

func (s *DiskStore) writeAtomic(key, name string, data []byte) error {
	dir := s.dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// InMemoryStore is an in-memory implementation of Store. It is safe for
// concurrent use since segment reads happen outside the repository lock.
type InMemoryStore struct {
	mu        sync.RWMutex
	segments  map[string]map[int64][]byte
	playlists map[string][]byte
	modified  map[string]time.Time
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		segments:  make(map[string]map[int64][]byte),
		playlists: make(map[string][]byte),
		modified:  make(map[string]time.Time),
	}
}

// WriteSegment implements Store.WriteSegment.
func (s *InMemoryStore) WriteSegment(key string, seq int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.segments[key] == nil {
		s.segments[key] = make(map[int64][]byte)
	}
	s.segments[key][seq] = bytes.Clone(data)
	s.modified[key] = time.Now()
	return nil
}

// OpenSegment implements Store.OpenSegment.
func (s *InMemoryStore) OpenSegment(key string, seq int64) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.segments[key][seq]
	if !ok {
		return nil, ErrSegmentNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// RemoveSegment implements Store.RemoveSegment.
func (s *InMemoryStore) RemoveSegment(key string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.segments[key], seq)
	return nil
}

// WritePlaylist implements Store.WritePlaylist.
func (s *InMemoryStore) WritePlaylist(key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playlists[key] = bytes.Clone(body)
	s.modified[key] = time.Now()
	return nil
}

// RemoveStream implements Store.RemoveStream.
func (s *InMemoryStore) RemoveStream(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.segments, key)
	delete(s.playlists, key)
	delete(s.modified, key)
	return nil
}

// ListStreams implements Store.ListStreams.
func (s *InMemoryStore) ListStreams() ([]StoredStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredStream, 0, len(s.modified))
	for key, at := range s.modified {
		out = append(out, StoredStream{Key: key, ModTime: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Playlist returns the last playlist written for key.
func (s *InMemoryStore) Playlist(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return string(s.playlists[key])
}

// Sequences returns the stored sequence numbers for key in ascending order.
func (s *InMemoryStore) Sequences(key string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.segments[key]))
	for seq := range s.segments[key] {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
