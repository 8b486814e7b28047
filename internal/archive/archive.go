// Package archive is the compressed cold tier: content-addressed blobs in a
// Badger key-value store, lzma-compressed at rest. A blob's cid is the hex
// BLAKE3 hash of its uncompressed bytes, so puts are idempotent and reads
// verify integrity for free.
package archive

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"

	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/types"
)

// MaxBlobSize caps a single archived blob's uncompressed size.
const MaxBlobSize = 16 << 20

// ErrTooLarge is returned by Put for blobs over MaxBlobSize.
var ErrTooLarge = errors.New("archive: blob exceeds size cap")

// Store is a content-addressed archive over a Badger database.
type Store struct {
	db  *badger.DB
	log *logrus.Logger
}

// Open opens (or creates) the archive at dir.
func Open(dir string, log *logrus.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", dir, err)
	}
	return &Store{db: db, log: logging.OrDiscard(log)}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores a blob and returns its cid. Storing bytes that already exist
// is a no-op returning the same cid.
func (s *Store) Put(data []byte) (string, error) {
	if len(data) > MaxBlobSize {
		return "", fmt.Errorf("archive: put %d bytes: %w", len(data), ErrTooLarge)
	}
	cid := types.ContentHash(data)

	exists, err := s.Has(cid)
	if err != nil {
		return "", err
	}
	if exists {
		return cid, nil
	}

	compressed, err := compress(data)
	if err != nil {
		return "", fmt.Errorf("archive: compress %s: %w", cid, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cid), compressed)
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", cid, err)
	}
	s.log.WithFields(logrus.Fields{
		"cid":        cid,
		"raw":        len(data),
		"compressed": len(compressed),
	}).Debug("archive: stored blob")
	return cid, nil
}

// Get returns a blob's uncompressed bytes. ok is false when the cid is
// absent.
func (s *Store) Get(cid string) ([]byte, bool, error) {
	var compressed []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cid))
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("archive: get %s: %w", cid, err)
	}

	data, err := decompress(compressed)
	if err != nil {
		return nil, false, fmt.Errorf("archive: decompress %s: %w", cid, err)
	}
	if got := types.ContentHash(data); got != cid {
		return nil, false, fmt.Errorf("archive: get %s: content hash mismatch (%s)", cid, got)
	}
	return data, true, nil
}

// Has reports whether a cid is present without reading its value.
func (s *Store) Has(cid string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(cid))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("archive: has %s: %w", cid, err)
	}
	return true, nil
}

// Count returns the number of archived blobs.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return n, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
