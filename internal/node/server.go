package node

import (
	"errors"

	"github.com/WanderningMaster/kademlia/internal/id"
	"github.com/WanderningMaster/kademlia/internal/logging"
	"github.com/WanderningMaster/kademlia/internal/routing"
	"github.com/WanderningMaster/kademlia/internal/rpc"
	"github.com/WanderningMaster/kademlia/internal/service"
	"github.com/WanderningMaster/kademlia/internal/store"
)

func (s *Session) HandleRequest(in service.Inbound) {
	if s.state == Closed {
		return
	}
	s.learn(routing.Contact{ID: in.Header.Source, Endpoint: in.From})

	switch in.Header.Type {
	case rpc.PingRequest:
		s.reply(in, rpc.PingResponse, nil)

	case rpc.FindNodeRequest:
		var req rpc.FindNodeRequestBody
		if err := rpc.DecodeBody(in.Body, &req); err != nil {
			logging.Logf(s.ctx, "drop %s from %s: %v", in.Header.Type, in.From, err)
			return
		}
		s.reply(in, rpc.FindNodeResponse, rpc.FindNodeResponseBody{Peers: s.closestFor(req.Target, in.Header.Source)})

	case rpc.StoreRequest:
		var req rpc.StoreRequestBody
		if err := rpc.DecodeBody(in.Body, &req); err != nil {
			logging.Logf(s.ctx, "drop %s from %s: %v", in.Header.Type, in.From, err)
			return
		}
		// no acknowledgment for oversized values; the requester times out
		if err := s.store.Put(req.Key, req.Data); err != nil {
			logging.Warnf(s.ctx, "store %s from %s: %v", req.Key.Short(), in.From, err)
			return
		}
		logging.Logf(s.ctx, "stored %s size=%d", req.Key.Short(), len(req.Data))
		s.reply(in, rpc.StoreResponse, nil)

	case rpc.FindValueRequest:
		var req rpc.FindValueRequestBody
		if err := rpc.DecodeBody(in.Body, &req); err != nil {
			logging.Logf(s.ctx, "drop %s from %s: %v", in.Header.Type, in.From, err)
			return
		}
		data, err := s.store.Get(req.Key)
		switch {
		case err == nil:
			s.reply(in, rpc.FindValueResponse, rpc.FindValueResponseBody{Data: data})
		case errors.Is(err, store.ErrNotFound):
			s.reply(in, rpc.FindNodeResponse, rpc.FindNodeResponseBody{Peers: s.closestFor(req.Key, in.Header.Source)})
		default:
			logging.Warnf(s.ctx, "load %s: %v", req.Key.Short(), err)
		}
	}
}

func (s *Session) reply(in service.Inbound, typ rpc.RpcType, body any) {
	if err := s.svc.Reply(in, s.self, typ, body); err != nil {
		logging.Logf(s.ctx, "reply %s to %s: %v", typ, in.From, err)
	}
}

// closestFor lists the K contacts closest to target, leaving out the
// requester.
func (s *Session) closestFor(target, requester id.NodeID) []routing.Contact {
	peers := s.rt.Closest(target, s.conf.KBucketK+1)
	out := peers[:0]
	for _, p := range peers {
		if p.ID != requester {
			out = append(out, p)
		}
	}
	if len(out) > s.conf.KBucketK {
		out = out[:s.conf.KBucketK]
	}
	return out
}

// learn records that c was heard from. When c's bucket is full the bucket's
// least-recently seen contact is pinged; c takes its place only if the ping
// times out.
func (s *Session) learn(c routing.Contact) {
	if c.ID == s.self || c.ID.IsZero() || !c.Endpoint.IsValid() {
		return
	}
	c.LastSeen = s.svc.Now()
	stale := s.rt.Update(c)
	if stale == nil {
		return
	}
	s.challenge(*stale, c)
}

func (s *Session) challenge(stale, candidate routing.Contact) {
	if s.challenged[stale.ID] {
		return
	}
	s.challenged[stale.ID] = true
	logging.Logf(s.ctx, "bucket full, pinging %s before admitting %s", stale.ID.Short(), candidate.ID.Short())

	_, err := s.svc.Request(service.Request{
		Owner:   s,
		From:    s.localFor(stale.Endpoint),
		To:      stale.Endpoint,
		Header:  rpc.Header{Type: rpc.PingRequest, Source: s.self},
		Timeout: s.conf.PingTimeout,
		Expect:  []rpc.RpcType{rpc.PingResponse},
		OnResponse: func(service.Inbound) {
			delete(s.challenged, stale.ID)
			s.rt.MarkSeen(stale.ID, s.svc.Now())
		},
		OnError: func(error) {
			delete(s.challenged, stale.ID)
			candidate.LastSeen = s.svc.Now()
			if s.rt.Replace(stale.ID, candidate) {
				logging.Logf(s.ctx, "evicted %s for %s", stale.ID.Short(), candidate.ID.Short())
			}
		},
	})
	if err != nil {
		delete(s.challenged, stale.ID)
	}
}
