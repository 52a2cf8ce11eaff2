package store

import (
	"sync"

	"github.com/WanderningMaster/kademlia/internal/id"
)

type MemStore struct {
	mu      sync.RWMutex
	store   map[id.NodeID][]byte
	maxSize int
}

func WithMaxValueSize(n int) func(*MemStore) {
	return func(s *MemStore) {
		s.maxSize = n
	}
}

func NewMemStore(options ...func(*MemStore)) *MemStore {
	m := &MemStore{
		store: make(map[id.NodeID][]byte),
	}
	for _, o := range options {
		o(m)
	}

	return m
}

func (s *MemStore) Put(key id.NodeID, value []byte) error {
	if s.maxSize > 0 && len(value) > s.maxSize {
		return ErrTooLarge
	}
	cpy := make([]byte, len(value))
	copy(cpy, value)
	s.mu.Lock()
	s.store[key] = cpy
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Get(key id.NodeID) ([]byte, error) {
	s.mu.RLock()
	raw, ok := s.store[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	cpy := make([]byte, len(raw))
	copy(cpy, raw)
	return cpy, nil
}

func (s *MemStore) Delete(key id.NodeID) error {
	s.mu.Lock()
	delete(s.store, key)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.store), nil
}

func (s *MemStore) Close() error { return nil }
