package node

import (
	"fmt"
	"sort"

	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/id"
	"github.com/WanderningMaster/kademlia/internal/logging"
	"github.com/WanderningMaster/kademlia/internal/routing"
	"github.com/WanderningMaster/kademlia/internal/rpc"
	"github.com/WanderningMaster/kademlia/internal/service"
	"github.com/WanderningMaster/kademlia/internal/store"
)

// join asks peer for the contacts closest to self and finishes the self
// lookup from the contacts it returned. Once it converges, self is announced
// to every bucket and the session is joined.
func (s *Session) join(peer endpoint.Endpoint) {
	_, err := s.svc.Request(service.Request{
		Owner:   s,
		From:    s.localFor(peer),
		To:      peer,
		Header:  rpc.Header{Type: rpc.FindNodeRequest, Source: s.self},
		Body:    rpc.FindNodeRequestBody{Target: s.self},
		Timeout: s.conf.InitialContactTimeout,
		Retries: s.conf.BootstrapRetries,
		Expect:  []rpc.RpcType{rpc.FindNodeResponse},
		OnResponse: func(in service.Inbound) {
			var body rpc.FindNodeResponseBody
			if err := rpc.DecodeBody(in.Body, &body); err != nil {
				s.joined(fmt.Errorf("%w: %s: %w", ErrBootstrapFailed, peer, err))
				return
			}
			first := routing.Contact{ID: in.Header.Source, Endpoint: in.From}
			s.learn(first)
			for _, p := range body.Peers {
				if p.ID != s.self {
					s.learn(p)
				}
			}

			l := s.newLookup(s.self, rpc.FindNodeRequest, func(_ []routing.Contact, _ error) {
				s.announce()
				s.joined(nil)
			})
			l.populate = true
			l.seed(s.rt.Closest(s.self, s.conf.KBucketK), first)
			l.start()
		},
		OnError: func(err error) {
			s.joined(fmt.Errorf("%w: %s: %w", ErrBootstrapFailed, peer, err))
		},
	})
	if err != nil {
		s.svc.Defer(s, func() { s.joined(fmt.Errorf("%w: %w", ErrBootstrapFailed, err)) })
	}
}

// announce runs one lookup per bucket so that peers in every distance range
// hear about self and far buckets get filled. Bucket i is targeted by flipping
// the bits of self from the last one up to bit i.
func (s *Session) announce() {
	target := s.self
	for i := id.Bits - 1; i >= 0; i-- {
		target = target.FlipBit(i)
		l := s.newLookup(target, rpc.FindNodeRequest, func(_ []routing.Contact, err error) {
			if err != nil {
				logging.Logf(s.ctx, "announce bucket %d: %v", i, err)
			}
		})
		l.populate = true
		l.seed(s.rt.Closest(target, s.conf.KBucketK))
		l.start()
	}
}

// FindNode looks up the contacts closest to target.
func (s *Session) FindNode(target id.NodeID, cb func([]routing.Contact, error)) {
	s.whenJoined(func(err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		l := s.newLookup(target, rpc.FindNodeRequest, cb)
		l.seed(s.rt.Closest(target, s.conf.KBucketK))
		l.start()
	})
}

// AsyncSave stores data under key on the peers closest to the key's hash.
// cb runs from a later poll once enough replicas acknowledged or all failed.
func (s *Session) AsyncSave(key, data []byte, cb func(error)) {
	if len(data) > s.conf.MaxValueSize {
		s.svc.Defer(s, func() { cb(fmt.Errorf("save: %w", store.ErrTooLarge)) })
		return
	}
	target := id.HashKey(key)
	data = append([]byte(nil), data...)

	s.whenJoined(func(err error) {
		if err != nil {
			cb(err)
			return
		}
		l := s.newLookup(target, rpc.FindNodeRequest, func(closest []routing.Contact, err error) {
			if err != nil {
				cb(fmt.Errorf("%w: %w", ErrStoreFailed, err))
				return
			}
			s.replicate(target, data, s.storeTargets(target, closest), cb)
		})
		l.seed(s.rt.Closest(target, s.conf.KBucketK))
		l.start()
	})
}

// storeTargets picks the Replicas contacts closest to key among the lookup
// result and self.
func (s *Session) storeTargets(key id.NodeID, closest []routing.Contact) []routing.Contact {
	targets := append([]routing.Contact{{ID: s.self}}, closest...)
	sort.Slice(targets, func(i, j int) bool {
		return id.CompareDistance(targets[i].ID, targets[j].ID, key) < 0
	})
	if len(targets) > s.conf.Replicas {
		targets = targets[:s.conf.Replicas]
	}
	return targets
}

// replicate writes data to targets. The local copy only counts as an
// acknowledgment when self is the sole target, which happens when no peer is
// known at all; otherwise StoreQuorum remote peers must acknowledge.
func (s *Session) replicate(key id.NodeID, data []byte, targets []routing.Contact, cb func(error)) {
	var remote []routing.Contact
	for _, t := range targets {
		if t.ID != s.self {
			remote = append(remote, t)
			continue
		}
		if err := s.store.Put(key, data); err != nil {
			logging.Warnf(s.ctx, "local store %s: %v", key.Short(), err)
			if len(targets) == 1 {
				cb(fmt.Errorf("%w: %w", ErrStoreFailed, err))
				return
			}
		}
	}
	if len(remote) == 0 {
		logging.Logf(s.ctx, "saved %s locally", key.Short())
		cb(nil)
		return
	}

	quorum := min(s.conf.StoreQuorum, len(remote))
	acks, fails, reported := 0, 0, false
	settle := func() {
		if reported {
			return
		}
		if acks >= quorum {
			reported = true
			logging.Logf(s.ctx, "saved %s on %d peers", key.Short(), acks)
			cb(nil)
			return
		}
		if acks+fails == len(remote) {
			reported = true
			cb(fmt.Errorf("%w: %d of %d peers acknowledged", ErrStoreFailed, acks, len(remote)))
		}
	}

	for _, t := range remote {
		_, err := s.svc.Request(service.Request{
			Owner:  s,
			From:   s.localFor(t.Endpoint),
			To:     t.Endpoint,
			Header: rpc.Header{Type: rpc.StoreRequest, Source: s.self},
			Body:   rpc.StoreRequestBody{Key: key, Data: data},
			Expect: []rpc.RpcType{rpc.StoreResponse},
			OnResponse: func(in service.Inbound) {
				s.learn(routing.Contact{ID: in.Header.Source, Endpoint: in.From})
				acks++
				settle()
			},
			OnError: func(err error) {
				logging.Logf(s.ctx, "store %s on %s: %v", key.Short(), t.Endpoint, err)
				fails++
				settle()
			},
		})
		if err != nil {
			fails++
			settle()
		}
	}
}

// AsyncLoad fetches the value saved under key. cb runs from a later poll with
// ErrNotFound when no reachable peer holds it.
func (s *Session) AsyncLoad(key []byte, cb func([]byte, error)) {
	target := id.HashKey(key)

	s.whenJoined(func(err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		if data, err := s.store.Get(target); err == nil {
			s.svc.Defer(s, func() { cb(data, nil) })
			return
		}
		l := s.newLookup(target, rpc.FindValueRequest, func(_ []routing.Contact, err error) {
			if err != nil {
				cb(nil, fmt.Errorf("%w: %w", ErrNotFound, err))
				return
			}
			cb(nil, ErrNotFound)
		})
		l.onValue = func(data []byte) { cb(data, nil) }
		l.seed(s.rt.Closest(target, s.conf.KBucketK))
		l.start()
	})
}

// refresh looks up a random id in every bucket nobody was heard from in a
// refresh interval.
func (s *Session) refresh() {
	if s.state != Joined {
		return
	}
	stale := s.rt.StaleBuckets(s.svc.Now().Add(-s.conf.RefreshInterval))
	for _, i := range stale {
		target := id.RandomInBucket(s.self, i)
		l := s.newLookup(target, rpc.FindNodeRequest, func(closest []routing.Contact, err error) {
			logging.Logf(s.ctx, "refreshed bucket %d: %d peers, err=%v", i, len(closest), err)
		})
		l.seed(s.rt.Closest(target, s.conf.KBucketK))
		l.start()
	}
}
