package store

import (
	"errors"

	"github.com/WanderningMaster/kademlia/internal/id"
)

var (
	ErrNotFound = errors.New("value not found")
	ErrTooLarge = errors.New("value too large")
)

// Store holds the values a session is responsible for, keyed by the hash of
// the application key.
type Store interface {
	Put(key id.NodeID, value []byte) error
	Get(key id.NodeID) ([]byte, error)
	Delete(key id.NodeID) error
	Len() (int, error)
	Close() error
}
