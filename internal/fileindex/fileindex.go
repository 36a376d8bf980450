// Package fileindex is the controller's chunk location
// table. It records every placement handed to a client
// and every holder confirmed by a heartbeat, and answers
// read-route and listing queries from that record.
//
// The table lives in an in-memory badger instance: it is
// rebuilt from placements and heartbeats after a
// controller restart and is never journaled to disk.
package fileindex

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

const (
	filePrefix  = "file:"
	chunkPrefix = "chunk:"

	logKeyFile    = "file"
	logKeySeq     = "seq"
	logKeyAddress = "address"
)

// MaxChunkCount bounds the chunk count of one file.
const MaxChunkCount = 1 << 20

var (
	// ErrNotFound is returned for a file the index has no
	// placement for.
	ErrNotFound = errors.New("fileindex: file not found")
	// ErrInvalidPlacement rejects a placement whose
	// length, chunk count or sequence cannot describe a
	// file.
	ErrInvalidPlacement = errors.New("fileindex: invalid placement")
)

// FileRecord describes one placed file.
type FileRecord struct { // A
	Name       string
	Length     int64
	ChunkCount int32
	Placed     time.Time
}

// ChunkRecord is the location state of one chunk:
// the chain it was placed on, nodes that reported
// holding it outside that chain, and every node whose
// heartbeat confirmed it, chain members included.
type ChunkRecord struct { // A
	Filename  string
	Sequence  int32
	Chain     []string
	Holders   []string
	Confirmed []string
}

// ValidatePlacement checks a placement request. Every
// chunk carries at least one byte of the file.
func ValidatePlacement(length int64, chunkCount int32, seq int32) error { // A
	switch {
	case chunkCount <= 0 || chunkCount > MaxChunkCount:
		return fmt.Errorf("%w: chunk count %d", ErrInvalidPlacement, chunkCount)
	case seq < 0 || seq >= chunkCount:
		return fmt.Errorf("%w: sequence %d of %d", ErrInvalidPlacement, seq, chunkCount)
	case length < int64(chunkCount):
		return fmt.Errorf("%w: length %d for %d chunks", ErrInvalidPlacement, length, chunkCount)
	}
	return nil
}

// Config configures an Index.
type Config struct { // A
	Logger *slog.Logger
	// BadgerLogger receives badger's own messages. When
	// nil a logrus logger at warning level on stderr is
	// used.
	BadgerLogger *logrus.Logger
}

// Index is the badger-backed chunk location table.
type Index struct { // A
	db     *badger.DB
	logger *slog.Logger
	// writeMu serializes read-modify-write updates so
	// badger never reports a transaction conflict.
	writeMu sync.Mutex
}

// Open creates an empty in-memory index.
func Open(cfg Config) (*Index, error) { // A
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	bl := cfg.BadgerLogger
	if bl == nil {
		bl = logrus.New()
		bl.SetLevel(logrus.WarnLevel)
	}

	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(bl)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Index{db: db, logger: cfg.Logger}, nil
}

// Close releases the badger instance.
func (ix *Index) Close() error { // A
	return ix.db.Close()
}

// PutPlacement records that sequence seq of filename was
// placed on chain. The file record is created or
// refreshed with length and chunkCount; a re-placed
// sequence forgets its previous holders.
func (ix *Index) PutPlacement( // A
	filename string,
	length int64,
	chunkCount int32,
	seq int32,
	chain []string,
) error {
	if err := ValidatePlacement(length, chunkCount, seq); err != nil {
		return err
	}
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	err := ix.db.Update(func(txn *badger.Txn) error {
		var fr FileRecord
		found, err := get(txn, fileKey(filename), &fr)
		if err != nil {
			return err
		}
		if !found || fr.Length != length || fr.ChunkCount != chunkCount {
			fr = FileRecord{
				Name:       filename,
				Length:     length,
				ChunkCount: chunkCount,
				Placed:     time.Now(),
			}
			if err := put(txn, fileKey(filename), fr); err != nil {
				return err
			}
		}
		return put(txn, chunkKey(filename, seq), ChunkRecord{
			Filename: filename,
			Sequence: seq,
			Chain:    append([]string(nil), chain...),
		})
	})
	if err != nil {
		return fmt.Errorf("put placement %s#%d: %w", filename, seq, err)
	}
	return nil
}

// AddHolder records that address confirmed holding
// sequence seq of filename. Addresses already in the
// chain or holder list are not duplicated. A sequence
// outside a placed file is ErrNotFound.
func (ix *Index) AddHolder( // A
	filename string,
	seq int32,
	address string,
) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	err := ix.db.Update(func(txn *badger.Txn) error {
		var fr FileRecord
		found, err := get(txn, fileKey(filename), &fr)
		if err != nil {
			return err
		}
		if !found || seq < 0 || seq >= fr.ChunkCount {
			return ErrNotFound
		}
		key := chunkKey(filename, seq)
		var cr ChunkRecord
		found, err = get(txn, key, &cr)
		if err != nil {
			return err
		}
		if !found {
			cr = ChunkRecord{Filename: filename, Sequence: seq}
		}
		if slices.Contains(cr.Confirmed, address) {
			return nil
		}
		cr.Confirmed = append(cr.Confirmed, address)
		if !slices.Contains(cr.Chain, address) && !slices.Contains(cr.Holders, address) {
			cr.Holders = append(cr.Holders, address)
		}
		return put(txn, key, cr)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s#%d", ErrNotFound, filename, seq)
		}
		return fmt.Errorf("add holder %s#%d: %w", filename, seq, err)
	}
	return nil
}

// Route returns the file record and, per sequence, the
// addresses to read from in preference order: the
// placement chain first, then confirmed holders.
func (ix *Index) Route( // A
	filename string,
) (FileRecord, [][]string, error) {
	var fr FileRecord
	var routes [][]string
	err := ix.db.View(func(txn *badger.Txn) error {
		found, err := get(txn, fileKey(filename), &fr)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if fr.ChunkCount <= 0 || fr.ChunkCount > MaxChunkCount {
			return fmt.Errorf("%w: stored chunk count %d", ErrInvalidPlacement, fr.ChunkCount)
		}
		routes = make([][]string, fr.ChunkCount)
		for seq := int32(0); seq < fr.ChunkCount; seq++ {
			var cr ChunkRecord
			if _, err := get(txn, chunkKey(filename, seq), &cr); err != nil {
				return err
			}
			routes[seq] = cr.replicas()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return FileRecord{}, nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
		}
		return FileRecord{}, nil, fmt.Errorf("route %s: %w", filename, err)
	}
	return fr, routes, nil
}

// Files returns every placed filename in sorted order.
func (ix *Index) Files() ([]string, error) { // A
	var names []string
	err := ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(filePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			names = append(names, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return names, nil
}

// ChunksOn returns every chunk address appears in,
// either in the chain or as a holder.
func (ix *Index) ChunksOn(address string) ([]ChunkRecord, error) { // A
	var out []ChunkRecord
	err := ix.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(chunkPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var cr ChunkRecord
			if err := it.Item().Value(func(v []byte) error {
				return decode(v, &cr)
			}); err != nil {
				return err
			}
			if slices.Contains(cr.Chain, address) || slices.Contains(cr.Holders, address) {
				out = append(out, cr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunks on %s: %w", address, err)
	}
	return out, nil
}

// ReplaceInChain swaps failed for replacement in the
// chain of sequence seq and drops failed from the
// holders. An empty replacement only removes failed.
func (ix *Index) ReplaceInChain( // A
	filename string,
	seq int32,
	failed string,
	replacement string,
) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	err := ix.db.Update(func(txn *badger.Txn) error {
		key := chunkKey(filename, seq)
		var cr ChunkRecord
		found, err := get(txn, key, &cr)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		chain := make([]string, 0, len(cr.Chain))
		for _, a := range cr.Chain {
			switch {
			case a != failed:
				chain = append(chain, a)
			case replacement != "":
				chain = append(chain, replacement)
			}
		}
		cr.Chain = chain
		cr.Holders = remove(cr.Holders, failed)
		cr.Holders = remove(cr.Holders, replacement)
		cr.Confirmed = remove(cr.Confirmed, failed)
		return put(txn, key, cr)
	})
	if err != nil {
		return fmt.Errorf("replace %s in %s#%d: %w", failed, filename, seq, err)
	}
	ix.logger.Debug("chain updated",
		logKeyFile, filename,
		logKeySeq, seq,
		logKeyAddress, replacement)
	return nil
}

// Sources returns the replica addresses to copy the
// chunk from: heartbeat-confirmed ones first, then the
// unconfirmed rest in route order.
func (cr ChunkRecord) Sources() []string { // A
	out := append([]string(nil), cr.Confirmed...)
	for _, a := range cr.replicas() {
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

func (cr ChunkRecord) replicas() []string { // A
	out := append([]string(nil), cr.Chain...)
	for _, h := range cr.Holders {
		if !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	return out
}

func fileKey(filename string) []byte {
	return []byte(filePrefix + filename)
}

// chunkKey orders sequences numerically within a file.
func chunkKey(filename string, seq int32) []byte {
	key := make([]byte, 0, len(chunkPrefix)+len(filename)+5)
	key = append(key, chunkPrefix...)
	key = append(key, filename...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint32(key, uint32(seq))
}

func get(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(b []byte) error {
		return decode(b, v)
	})
}

func put(txn *badger.Txn, key []byte, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return txn.Set(key, buf.Bytes())
}

func decode(b []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

func remove(list []string, s string) []string {
	if s == "" {
		return list
	}
	return slices.DeleteFunc(list, func(v string) bool { return v == s })
}
