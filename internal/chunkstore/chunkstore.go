// Package chunkstore persists chunk envelopes on a
// storage node's disk, one zstd-compressed file per
// (filename, sequence).
package chunkstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/exp/slices"
)

const (
	chunkSuffix = "_chunk"
	tempSuffix  = ".tmp"
	stampSize   = 8
	dirPerm     = 0o755
	filePerm    = 0o644

	logKeyPath  = "path"
	logKeyCount = "chunks"
)

var (
	// ErrNotFound is returned by Get for a chunk that was
	// never stored.
	ErrNotFound = errors.New("chunkstore: chunk not found")
	// ErrBadName is returned for a filename that names
	// no file below the root.
	ErrBadName = errors.New("chunkstore: bad chunk filename")
)

// Chunk is one stored envelope body: the integrity
// header followed by the payload, exactly as received.
type Chunk struct { // A
	LastModified int64
	Data         []byte
}

// Config configures a Store.
type Config struct { // A
	Root   string
	Logger *slog.Logger
}

// Store maps (filename, sequence) to files under Root.
// Writes of distinct chunks are independent; a write
// replaces its file atomically.
type Store struct { // A
	root   string
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger *slog.Logger
	closed sync.Once

	mu    sync.Mutex
	known map[string]struct{}
	added map[string][]int32
}

// Open prepares root and indexes the chunks already in
// it. Chunks found on disk are reported by the first
// DrainAdded.
func Open(cfg Config) (*Store, error) { // A
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("storage root must not be empty")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &Store{
		root:   root,
		enc:    enc,
		dec:    dec,
		logger: cfg.Logger,
		known:  make(map[string]struct{}),
		added:  make(map[string][]int32),
	}
	if err := s.scan(); err != nil {
		s.Close()
		return nil, err
	}
	s.logger.Info("chunk store opened",
		logKeyPath, root,
		logKeyCount, len(s.known))
	return s, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string { // A
	return s.root
}

// Path returns the file that holds sequence seq of
// filename. The filename is cleaned as an absolute path
// so it can never escape the root; one that cleans to
// the root itself is ErrBadName.
func (s *Store) Path(filename string, seq int32) (string, error) { // A
	rel := filepath.Clean("/" + filepath.FromSlash(filename))
	if rel == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrBadName, filename)
	}
	return filepath.Join(s.root, rel) + chunkSuffix + strconv.Itoa(int(seq)), nil
}

// Put stores data for (filename, seq), creating missing
// directories.
func (s *Store) Put( // A
	filename string,
	seq int32,
	lastModified int64,
	data []byte,
) error {
	path, err := s.Path(filename, seq)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("create chunk directory: %w", err)
	}

	plain := make([]byte, stampSize+len(data))
	binary.BigEndian.PutUint64(plain[:stampSize], uint64(lastModified))
	copy(plain[stampSize:], data)
	compressed := s.enc.EncodeAll(plain, nil)

	tmp := filepath.Join(
		filepath.Dir(path),
		"."+uuid.NewString()+tempSuffix,
	)
	if err := os.WriteFile(tmp, compressed, filePerm); err != nil {
		return fmt.Errorf("write chunk %s#%d: %w", filename, seq, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit chunk %s#%d: %w", filename, seq, err)
	}

	s.mu.Lock()
	s.known[path] = struct{}{}
	s.added[filename] = append(s.added[filename], seq)
	s.mu.Unlock()
	return nil
}

// Get loads the envelope body stored for (filename,
// seq).
func (s *Store) Get(filename string, seq int32) (Chunk, error) { // A
	path, err := s.Path(filename, seq)
	if err != nil {
		return Chunk{}, err
	}
	compressed, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Chunk{}, fmt.Errorf("%w: %s#%d", ErrNotFound, filename, seq)
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("read chunk %s#%d: %w", filename, seq, err)
	}
	plain, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return Chunk{}, fmt.Errorf("decompress chunk %s#%d: %w", filename, seq, err)
	}
	if len(plain) < stampSize {
		return Chunk{}, fmt.Errorf("chunk %s#%d: truncated file", filename, seq)
	}
	return Chunk{
		LastModified: int64(binary.BigEndian.Uint64(plain[:stampSize])),
		Data:         plain[stampSize:],
	}, nil
}

// ChunkCount returns the number of distinct chunks held.
func (s *Store) ChunkCount() int32 { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	return int32(len(s.known))
}

// DrainAdded returns the chunks stored since the last
// call, keyed by filename, and forgets them.
func (s *Store) DrainAdded() map[string][]int32 { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.added) == 0 {
		return nil
	}
	out := s.added
	s.added = make(map[string][]int32)
	return out
}

// Requeue puts records returned by DrainAdded back, for
// a report that could not be delivered.
func (s *Store) Requeue(added map[string][]int32) { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, seqs := range added {
		for _, seq := range seqs {
			if !slices.Contains(s.added[name], seq) {
				s.added[name] = append(s.added[name], seq)
			}
		}
	}
}

// Close releases the codec resources. Later calls do
// nothing.
func (s *Store) Close() { // A
	s.closed.Do(func() {
		_ = s.enc.Close()
		s.dec.Close()
	})
}

// scan indexes existing chunk files. A filename is
// recovered as the root-relative path without the chunk
// suffix.
func (s *Store) scan() error { // A
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, tempSuffix) {
			return nil
		}
		name := d.Name()
		i := strings.LastIndex(name, chunkSuffix)
		if i < 0 {
			return nil
		}
		seq, err := strconv.Atoi(name[i+len(chunkSuffix):])
		if err != nil {
			return nil
		}
		base := filepath.Join(filepath.Dir(path), name[:i])
		rel, err := filepath.Rel(s.root, base)
		if err != nil {
			return nil
		}
		filename := "/" + filepath.ToSlash(rel)
		s.known[path] = struct{}{}
		s.added[filename] = append(s.added[filename], int32(seq))
		return nil
	})
}
