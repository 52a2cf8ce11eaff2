package store

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	lutil "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/WanderningMaster/kademlia/internal/id"
)

// DiskStore keeps values in a leveldb database so a restarted node still
// serves what it was asked to store.
type DiskStore struct {
	db      *leveldb.DB
	baseDir string
	maxSize int
}

func DiskWithMaxValueSize(n int) func(*DiskStore) {
	return func(s *DiskStore) { s.maxSize = n }
}

func NewDiskStore(baseDir string, options ...func(*DiskStore)) (*DiskStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(baseDir, "values")
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, err
	}
	s := &DiskStore{db: db, baseDir: baseDir}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

func (s *DiskStore) Close() error { return s.db.Close() }

func valueKey(k id.NodeID) []byte {
	b := make([]byte, 1+id.Bytes)
	b[0] = 'v'
	copy(b[1:], k[:])
	return b
}

func (s *DiskStore) Put(key id.NodeID, value []byte) error {
	if s.maxSize > 0 && len(value) > s.maxSize {
		return ErrTooLarge
	}
	return s.db.Put(valueKey(key), value, nil)
}

func (s *DiskStore) Get(key id.NodeID) ([]byte, error) {
	v, err := s.db.Get(valueKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (s *DiskStore) Delete(key id.NodeID) error {
	return s.db.Delete(valueKey(key), nil)
}

func (s *DiskStore) Len() (int, error) {
	it := s.db.NewIterator(lutil.BytesPrefix([]byte{'v'}), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}
