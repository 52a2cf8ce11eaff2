package routing

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/WanderningMaster/kademlia/configuration"
	nodeId "github.com/WanderningMaster/kademlia/internal/id"
)

// RoutingTable buckets known peers by the length of the prefix they share
// with self. Bucket i holds peers at distance [2^(159-i), 2^(160-i)).
// It is not safe for concurrent use; the owning session serializes access.
type RoutingTable struct {
	self    nodeId.NodeID
	clock   clock.Clock
	buckets []*Bucket
}

type Option func(*RoutingTable)

// WithClock stamps contacts inserted without LastSeen using c.
func WithClock(c clock.Clock) Option {
	return func(rt *RoutingTable) { rt.clock = c }
}

func NewRoutingTable(self nodeId.NodeID, conf configuration.Config, opts ...Option) *RoutingTable {
	rt := &RoutingTable{self: self, clock: clock.New()}
	for _, o := range opts {
		o(rt)
	}

	rt.buckets = make([]*Bucket, nodeId.Bits)
	for i := range rt.buckets {
		rt.buckets[i] = newBucket(conf.KBucketK)
	}
	return rt
}

func (rt *RoutingTable) Self() nodeId.NodeID { return rt.self }

func (rt *RoutingTable) BucketIndex(id nodeId.NodeID) int {
	idx := nodeId.CommonPrefixLen(rt.self, id)
	if idx >= nodeId.Bits {
		return nodeId.Bits - 1
	}
	return idx
}

// Update records that c is alive. When c's bucket is full, nothing is
// inserted and the bucket's least-recently seen contact is returned so the
// caller can check its liveness.
func (rt *RoutingTable) Update(c Contact) (stale *Contact) {
	if c.ID == rt.self {
		return nil
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = rt.clock.Now()
	}
	return rt.buckets[rt.BucketIndex(c.ID)].Touch(c)
}

// Replace evicts stale and inserts c in its place.
func (rt *RoutingTable) Replace(stale nodeId.NodeID, c Contact) bool {
	b := rt.buckets[rt.BucketIndex(stale)]
	if !b.RemoveByID(Contact{ID: stale}) {
		return false
	}
	return rt.Update(c) == nil
}

func (rt *RoutingTable) MarkSeen(id nodeId.NodeID, at time.Time) bool {
	if id == rt.self {
		return false
	}
	return rt.buckets[rt.BucketIndex(id)].Seen(Contact{ID: id}, at)
}

func (rt *RoutingTable) Get(id nodeId.NodeID) (Contact, bool) {
	if id == rt.self {
		return Contact{}, false
	}
	return rt.buckets[rt.BucketIndex(id)].Get(Contact{ID: id})
}

func (rt *RoutingTable) Closest(target nodeId.NodeID, max int) []Contact {
	var all []Contact
	for _, b := range rt.buckets {
		all = append(all, b.list...)
	}
	sort.Slice(all, func(i, j int) bool {
		return Less(all[i], all[j], target)
	})
	if len(all) > max {
		all = all[:max]
	}
	return all
}

func (rt *RoutingTable) Remove(id nodeId.NodeID) bool {
	if id == rt.self {
		return false
	}
	return rt.buckets[rt.BucketIndex(id)].RemoveByID(Contact{ID: id})
}

func (rt *RoutingTable) Len() int {
	n := 0
	for _, b := range rt.buckets {
		n += b.Len()
	}
	return n
}

func (rt *RoutingTable) Bucket(i int) *Bucket { return rt.buckets[i] }

// StaleBuckets lists non-empty buckets nobody was seen in since before.
func (rt *RoutingTable) StaleBuckets(before time.Time) []int {
	var out []int
	for i, b := range rt.buckets {
		if b.Len() > 0 && b.touched.Before(before) {
			out = append(out, i)
		}
	}
	return out
}
