package node

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/WanderningMaster/kademlia/configuration"
	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/id"
	"github.com/WanderningMaster/kademlia/internal/logging"
	"github.com/WanderningMaster/kademlia/internal/routing"
	"github.com/WanderningMaster/kademlia/internal/service"
	"github.com/WanderningMaster/kademlia/internal/store"
)

var (
	ErrBootstrapFailed = errors.New("bootstrap failed")
	ErrNotFound        = errors.New("value not found")
	ErrStoreFailed     = errors.New("store failed")
	ErrSessionClosed   = errors.New("session closed")
	ErrNoEndpoint      = errors.New("no listen endpoint")
)

type State int

const (
	Uninitialized State = iota
	Joining
	Joined
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Joining:
		return "JOINING"
	case Joined:
		return "JOINED"
	case Closed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is one DHT node attached to a Service. Every method must be called
// from the service's poll loop (directly, from a callback, or via Post).
type Session struct {
	ctx  context.Context
	svc  *service.Service
	conf configuration.Config

	self id.NodeID
	ipv4 endpoint.Endpoint
	ipv6 endpoint.Endpoint

	rt    *routing.RoutingTable
	store store.Store

	state  State
	err    error
	onJoin func(error)

	// operations issued before the join completed
	queued []func(error)
	// least-recently seen contacts currently being pinged before eviction
	challenged map[id.NodeID]bool
}

type Option func(*Session)

// WithStore replaces the default in-memory store. The session closes it.
func WithStore(st store.Store) Option {
	return func(s *Session) { s.store = st }
}

// WithJoinHandler is invoked once the session is joined or failed to join.
func WithJoinHandler(cb func(error)) Option {
	return func(s *Session) { s.onJoin = cb }
}

func newSession(svc *service.Service, ipv4, ipv6 endpoint.Endpoint, self id.NodeID, opts []Option) (*Session, error) {
	if self.IsZero() {
		self = id.RandomID()
	}
	conf := svc.Config()
	s := &Session{
		svc:        svc,
		conf:       conf,
		self:       self,
		rt:         routing.NewRoutingTable(self, conf, routing.WithClock(svc.Clock())),
		challenged: make(map[id.NodeID]bool),
	}
	s.ctx = logging.WithPrefix(context.Background(), logging.SessionPrefix+" "+self.Short())
	for _, o := range opts {
		o(s)
	}
	if s.store == nil {
		s.store = store.NewMemStore(store.WithMaxValueSize(conf.MaxValueSize))
	}
	if err := s.bind(ipv4, ipv6); err != nil {
		return nil, multierr.Append(err, s.store.Close())
	}
	s.svc.Every(s, conf.RefreshInterval, s.refresh)
	return s, nil
}

func (s *Session) bind(ipv4, ipv6 endpoint.Endpoint) error {
	if !ipv4.IsValid() && !ipv6.IsValid() {
		return ErrNoEndpoint
	}
	if ipv4.IsValid() {
		e, err := s.svc.Bind(ipv4, s)
		if err != nil {
			return err
		}
		s.ipv4 = e
	}
	if ipv6.IsValid() {
		e, err := s.svc.Bind(ipv6, s)
		if err != nil {
			if s.ipv4.IsValid() {
				_ = s.svc.Unbind(s.ipv4)
			}
			return err
		}
		s.ipv6 = e
	}
	return nil
}

// NewFirstSession starts a new network. It is joined immediately and sends
// nothing.
func NewFirstSession(svc *service.Service, ipv4, ipv6 endpoint.Endpoint, self id.NodeID, opts ...Option) (*Session, error) {
	s, err := newSession(svc, ipv4, ipv6, self, opts)
	if err != nil {
		return nil, err
	}
	s.state = Joined
	logging.Logf(s.ctx, "first session listening on %s %s", s.ipv4, s.ipv6)
	if s.onJoin != nil {
		cb := s.onJoin
		s.svc.Defer(s, func() { cb(nil) })
	}
	return s, nil
}

// NewSession joins the network peer belongs to. The session is usable right
// away; operations issued while joining run once the join completes.
func NewSession(svc *service.Service, peer, ipv4, ipv6 endpoint.Endpoint, self id.NodeID, opts ...Option) (*Session, error) {
	s, err := newSession(svc, ipv4, ipv6, self, opts)
	if err != nil {
		return nil, err
	}
	s.state = Joining
	logging.Logf(s.ctx, "joining through %s", peer)
	s.join(peer)
	return s, nil
}

func (s *Session) ID() id.NodeID           { return s.self }
func (s *Session) IPv4() endpoint.Endpoint { return s.ipv4 }
func (s *Session) IPv6() endpoint.Endpoint { return s.ipv6 }
func (s *Session) State() State            { return s.state }

// Err reports why the session stopped, if it did.
func (s *Session) Err() error { return s.err }

func (s *Session) RoutingTable() *routing.RoutingTable { return s.rt }

func (s *Session) localFor(to endpoint.Endpoint) endpoint.Endpoint {
	if to.IsV6() && s.ipv6.IsValid() {
		return s.ipv6
	}
	if to.IsV4() && s.ipv4.IsValid() {
		return s.ipv4
	}
	if s.ipv4.IsValid() {
		return s.ipv4
	}
	return s.ipv6
}

// whenJoined runs op now when joined, later when joining, and reports
// ErrSessionClosed otherwise.
func (s *Session) whenJoined(op func(error)) {
	switch s.state {
	case Joined:
		op(nil)
	case Joining:
		s.queued = append(s.queued, op)
	default:
		err := s.err
		if err == nil {
			err = ErrSessionClosed
		}
		s.svc.Defer(nil, func() { op(err) })
	}
}

func (s *Session) joined(err error) {
	queued := s.queued
	s.queued = nil
	if err != nil {
		s.err = err
		s.shutdown()
		logging.Warnf(s.ctx, "join failed: %v", err)
	} else {
		s.state = Joined
		logging.Logf(s.ctx, "joined, %d peers known", s.rt.Len())
	}
	for _, op := range queued {
		op(err)
	}
	if s.onJoin != nil {
		s.onJoin(err)
	}
}

// Close leaves the network. Pending operations are dropped without their
// callbacks being invoked and late responses are ignored.
func (s *Session) Close() error {
	if s.state == Closed {
		return nil
	}
	s.queued = nil
	if s.err == nil {
		s.err = ErrSessionClosed
	}
	logging.Logf(s.ctx, "closing")
	return s.shutdown()
}

func (s *Session) shutdown() error {
	s.state = Closed
	s.svc.Cancel(s)
	var err error
	for _, e := range []endpoint.Endpoint{s.ipv4, s.ipv6} {
		if e.IsValid() {
			err = multierr.Append(err, s.svc.Unbind(e))
		}
	}
	return multierr.Append(err, s.store.Close())
}
