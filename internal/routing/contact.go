package routing

import (
	"time"

	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/id"
)

type Contact struct {
	ID       id.NodeID         `cbor:"1,keyasint" json:"id"`
	Endpoint endpoint.Endpoint `cbor:"2,keyasint" json:"endpoint"`
	LastSeen time.Time         `cbor:"-" json:"-"`
}

// Less orders contacts by distance to target, then by endpoint text.
func Less(a, b Contact, target id.NodeID) bool {
	if c := id.CompareDistance(a.ID, b.ID, target); c != 0 {
		return c < 0
	}
	return a.Endpoint.String() < b.Endpoint.String()
}
