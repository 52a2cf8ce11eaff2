package node

import (
	"sort"

	"github.com/WanderningMaster/kademlia/internal/id"
	"github.com/WanderningMaster/kademlia/internal/logging"
	"github.com/WanderningMaster/kademlia/internal/routing"
	"github.com/WanderningMaster/kademlia/internal/rpc"
	"github.com/WanderningMaster/kademlia/internal/service"
)

type candidateState int

const (
	unqueried candidateState = iota
	contacted
	responded
	timedOut
)

type candidate struct {
	contact routing.Contact
	state   candidateState
	token   id.NodeID
}

// lookup walks towards target, keeping at most alpha requests in flight.
// When a round of answers brings nobody closer, every unqueried peer among
// the K closest is asked once before the lookup completes.
type lookup struct {
	s      *Session
	target id.NodeID
	// FindValueRequest makes the lookup stop at the first peer holding target.
	typ rpc.RpcType
	// populate adds every returned peer to the routing table, not only the
	// ones that answered.
	populate bool

	candidates map[id.NodeID]*candidate
	inFlight   int
	best       *routing.Contact
	sweep      bool
	done       bool

	onValue func(data []byte)
	onDone  func(closest []routing.Contact, err error)
}

func (s *Session) newLookup(target id.NodeID, typ rpc.RpcType, onDone func([]routing.Contact, error)) *lookup {
	return &lookup{
		s:          s,
		target:     target,
		typ:        typ,
		candidates: make(map[id.NodeID]*candidate),
		onDone:     onDone,
	}
}

// seed adds peers as candidates. Those already known to have answered are
// passed as answered.
func (l *lookup) seed(peers []routing.Contact, answered ...routing.Contact) {
	for _, c := range answered {
		l.add(c).state = responded
	}
	for _, c := range peers {
		l.add(c)
	}
}

func (l *lookup) add(c routing.Contact) *candidate {
	if cand, ok := l.candidates[c.ID]; ok {
		return cand
	}
	cand := &candidate{contact: c}
	l.candidates[c.ID] = cand
	if l.best == nil || routing.Less(c, *l.best, l.target) {
		best := c
		l.best = &best
	}
	return cand
}

func (l *lookup) start() {
	if l.s.state == Closed {
		return
	}
	logging.Logf(l.s.ctx, "lookup %s %s, %d candidates", l.typ, l.target.Short(), len(l.candidates))
	l.step()
}

// closest returns the K closest candidates still worth considering.
func (l *lookup) closest() []*candidate {
	out := make([]*candidate, 0, len(l.candidates))
	for _, c := range l.candidates {
		if c.state != timedOut {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return routing.Less(out[i].contact, out[j].contact, l.target)
	})
	if len(out) > l.s.conf.KBucketK {
		out = out[:l.s.conf.KBucketK]
	}
	return out
}

func (l *lookup) step() {
	if l.done {
		return
	}
	waiting := 0
	for _, c := range l.closest() {
		if c.state != unqueried {
			continue
		}
		if !l.sweep && l.inFlight >= l.s.conf.Alpha {
			waiting++
			continue
		}
		l.query(c)
	}
	if l.inFlight == 0 && waiting == 0 {
		l.finish()
	}
}

func (l *lookup) query(c *candidate) {
	c.state = contacted
	l.inFlight++

	var body any = rpc.FindNodeRequestBody{Target: l.target}
	expect := []rpc.RpcType{rpc.FindNodeResponse}
	if l.typ == rpc.FindValueRequest {
		body = rpc.FindValueRequestBody{Key: l.target}
		expect = append(expect, rpc.FindValueResponse)
	}
	token, err := l.s.svc.Request(service.Request{
		Owner:      l.s,
		From:       l.s.localFor(c.contact.Endpoint),
		To:         c.contact.Endpoint,
		Header:     rpc.Header{Type: l.typ, Source: l.s.self},
		Body:       body,
		Timeout:    l.s.conf.RpcTimeout,
		Expect:     expect,
		OnResponse: func(in service.Inbound) { l.onResponse(c, in) },
		OnError:    func(err error) { l.onError(c, err) },
	})
	if err != nil {
		// encoding failures are reported immediately and never retried
		l.inFlight--
		c.state = timedOut
		logging.Warnf(l.s.ctx, "lookup request to %s: %v", c.contact.Endpoint, err)
		return
	}
	c.token = token
}

func (l *lookup) onResponse(c *candidate, in service.Inbound) {
	l.inFlight--
	if l.done {
		return
	}
	c.state = responded
	l.s.learn(routing.Contact{ID: in.Header.Source, Endpoint: in.From})

	if in.Header.Type == rpc.FindValueResponse {
		var body rpc.FindValueResponseBody
		if err := rpc.DecodeBody(in.Body, &body); err != nil {
			logging.Logf(l.s.ctx, "bad %s from %s: %v", in.Header.Type, in.From, err)
		} else {
			l.found(body.Data)
			return
		}
	} else {
		var body rpc.FindNodeResponseBody
		if err := rpc.DecodeBody(in.Body, &body); err != nil {
			logging.Logf(l.s.ctx, "bad %s from %s: %v", in.Header.Type, in.From, err)
		} else {
			l.merge(body.Peers)
		}
	}
	l.step()
}

// merge adds the returned peers and switches to sweep mode when none of
// them is closer than the best candidate so far.
func (l *lookup) merge(peers []routing.Contact) {
	closer := false
	for _, p := range peers {
		if p.ID == l.s.self || p.ID.IsZero() || !p.Endpoint.IsValid() {
			continue
		}
		if _, known := l.candidates[p.ID]; known {
			continue
		}
		if l.best == nil || routing.Less(p, *l.best, l.target) {
			closer = true
		}
		l.add(p)
		if l.populate {
			l.s.learn(p)
		}
	}
	l.sweep = !closer
}

func (l *lookup) onError(c *candidate, err error) {
	l.inFlight--
	if l.done {
		return
	}
	c.state = timedOut
	logging.Logf(l.s.ctx, "lookup %s: %s dropped: %v", l.target.Short(), c.contact.Endpoint, err)
	l.step()
}

func (l *lookup) found(data []byte) {
	l.done = true
	l.cancelInFlight()
	logging.Logf(l.s.ctx, "lookup %s found value size=%d", l.target.Short(), len(data))
	if l.onValue != nil {
		l.onValue(data)
	}
}

func (l *lookup) cancelInFlight() {
	for _, c := range l.candidates {
		if c.state == contacted {
			l.s.svc.CancelRequest(c.token)
		}
	}
}

func (l *lookup) finish() {
	l.done = true
	var out []routing.Contact
	queried := 0
	for _, c := range l.candidates {
		if c.state == responded {
			out = append(out, c.contact)
		}
		if c.state != unqueried {
			queried++
		}
	}
	sort.Slice(out, func(i, j int) bool { return routing.Less(out[i], out[j], l.target) })
	if len(out) > l.s.conf.KBucketK {
		out = out[:l.s.conf.KBucketK]
	}

	var err error
	if len(out) == 0 && queried > 0 {
		err = service.ErrRequestTimeout
	}
	logging.Logf(l.s.ctx, "lookup %s done, %d responded", l.target.Short(), len(out))
	// completion is always observed from a later poll
	l.s.svc.Defer(l.s, func() { l.onDone(out, err) })
}
