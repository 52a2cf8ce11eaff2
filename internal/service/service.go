package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/WanderningMaster/kademlia/configuration"
	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/id"
	"github.com/WanderningMaster/kademlia/internal/logging"
	"github.com/WanderningMaster/kademlia/internal/rpc"
	"github.com/WanderningMaster/kademlia/internal/transport"
)

var (
	ErrRequestTimeout = errors.New("request timed out")
	ErrNoHandler      = errors.New("no handler bound")
	ErrClosed         = errors.New("service closed")
)

// Inbound is a decoded message addressed to a bound endpoint.
type Inbound struct {
	From   endpoint.Endpoint
	To     endpoint.Endpoint
	Header rpc.Header
	Body   []byte
}

// Handler receives requests addressed to the endpoints it is bound to.
// Responses never reach a Handler; they resolve the matching Request.
type Handler interface {
	HandleRequest(in Inbound)
}

// Owner groups registrations so they can be canceled together. Any
// comparable value works; sessions use their own pointer.
type Owner any

// Request describes an outbound message that expects an answer.
type Request struct {
	Owner   Owner
	From    endpoint.Endpoint
	To      endpoint.Endpoint
	Header  rpc.Header
	Body    any
	Timeout time.Duration
	// Retries is how many times the request is resent after a timeout
	// before OnError sees ErrRequestTimeout.
	Retries int
	// Expect lists accepted response types; any response type when empty.
	Expect     []rpc.RpcType
	OnResponse func(Inbound)
	OnError    func(error)
}

type pending struct {
	req      Request
	token    id.NodeID
	msg      rpc.Message
	deadline time.Time
	retries  int
	done     bool
}

type task struct {
	owner Owner
	fn    func()
	dead  bool
}

type timer struct {
	owner   Owner
	period  time.Duration
	next    time.Time
	fn      func()
	stopped bool
}

// Service owns the transport and drives every session bound to it. All
// state changes happen inside Poll; the only goroutine-safe entry points are
// Post and Run.
type Service struct {
	ctx       context.Context
	conf      configuration.Config
	clock     clock.Clock
	transport transport.Transport
	observer  transport.Observer

	handlers map[endpoint.Endpoint]Handler

	pending map[id.NodeID]*pending
	order   []*pending

	deferred []*task
	running  []*task
	timers   []*timer

	postMu sync.Mutex
	posted []func()
	wake   chan struct{}

	closed bool
}

type Option func(*Service)

func WithConfig(conf configuration.Config) Option {
	return func(s *Service) { s.conf = conf }
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithObserver reports every transmitted message to o.
func WithObserver(o transport.Observer) Option {
	return func(s *Service) { s.observer = o }
}

func New(t transport.Transport, opts ...Option) *Service {
	s := &Service{
		ctx:       logging.WithPrefix(context.Background(), logging.ServicePrefix),
		conf:      configuration.Default(),
		clock:     clock.New(),
		transport: t,
		handlers:  make(map[endpoint.Endpoint]Handler),
		pending:   make(map[id.NodeID]*pending),
		wake:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Config() configuration.Config { return s.conf }
func (s *Service) Clock() clock.Clock           { return s.clock }
func (s *Service) Now() time.Time               { return s.clock.Now() }

// Bind listens on e for h and returns the endpoint actually bound.
func (s *Service) Bind(e endpoint.Endpoint, h Handler) (endpoint.Endpoint, error) {
	if s.closed {
		return endpoint.Endpoint{}, ErrClosed
	}
	local, err := s.transport.Bind(e)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("bind %s: %w", e, err)
	}
	s.handlers[local] = h
	return local, nil
}

func (s *Service) Unbind(e endpoint.Endpoint) error {
	if _, ok := s.handlers[e]; !ok {
		return nil
	}
	delete(s.handlers, e)
	return s.transport.Unbind(e)
}

// Send transmits a message that expects no answer.
func (s *Service) Send(m rpc.Message) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.transport.Send(m); err != nil {
		logging.Logf(s.ctx, "send %s failed: %v", m, err)
		return err
	}
	if s.observer != nil {
		s.observer.Observe(m)
	}
	return nil
}

// Reply answers the request in with a response of type typ.
func (s *Service) Reply(in Inbound, self id.NodeID, typ rpc.RpcType, body any) error {
	h := rpc.Header{Type: typ, Source: self, Token: in.Header.Token}
	m, err := rpc.NewMessage(in.To, in.From, h, body)
	if err != nil {
		return err
	}
	return s.Send(m)
}

// Request registers r under a fresh token and sends it. Exactly one of
// OnResponse or OnError runs, during a later Poll, unless the request or
// its owner is canceled first.
func (s *Service) Request(r Request) (id.NodeID, error) {
	token := s.newToken()
	r.Header.Token = token
	m, err := rpc.NewMessage(r.From, r.To, r.Header, r.Body)
	if err != nil {
		return token, err
	}
	if r.Timeout <= 0 {
		r.Timeout = s.conf.RpcTimeout
	}
	p := &pending{
		req:      r,
		token:    token,
		msg:      m,
		deadline: s.clock.Now().Add(r.Timeout),
		retries:  r.Retries,
	}
	s.pending[token] = p
	s.order = append(s.order, p)

	if err := s.Send(m); err != nil {
		s.finish(p)
		s.Defer(r.Owner, func() {
			if r.OnError != nil {
				r.OnError(err)
			}
		})
	}
	return token, nil
}

func (s *Service) newToken() id.NodeID {
	for {
		t := id.RandomID()
		if _, taken := s.pending[t]; !taken {
			return t
		}
	}
}

// CancelRequest forgets a pending request; a late response is dropped.
func (s *Service) CancelRequest(token id.NodeID) {
	if p, ok := s.pending[token]; ok {
		s.finish(p)
	}
}

func (s *Service) finish(p *pending) {
	p.done = true
	delete(s.pending, p.token)
}

// Defer runs fn during the next Poll.
func (s *Service) Defer(owner Owner, fn func()) {
	s.deferred = append(s.deferred, &task{owner: owner, fn: fn})
}

// Every runs fn each period, starting one period from now.
func (s *Service) Every(owner Owner, period time.Duration, fn func()) {
	s.timers = append(s.timers, &timer{owner: owner, period: period, next: s.clock.Now().Add(period), fn: fn})
}

// Cancel removes every request, deferred task and timer registered by owner.
func (s *Service) Cancel(owner Owner) {
	for _, p := range s.pending {
		if p.req.Owner == owner {
			s.finish(p)
		}
	}
	for _, t := range s.deferred {
		if t.owner == owner {
			t.dead = true
		}
	}
	for _, t := range s.running {
		if t.owner == owner {
			t.dead = true
		}
	}
	for _, t := range s.timers {
		if t.owner == owner {
			t.stopped = true
		}
	}
}

// Outstanding is the number of requests awaiting an answer.
func (s *Service) Outstanding() int { return len(s.pending) }

// Post queues fn to run on the poll loop. Safe for concurrent use.
func (s *Service) Post(fn func()) {
	s.postMu.Lock()
	s.posted = append(s.posted, fn)
	s.postMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Poll runs one scheduling tick and reports how much work it did.
func (s *Service) Poll() int {
	if s.closed {
		return 0
	}
	work := s.runPosted()
	work += s.runDeferred()
	work += s.receive()
	work += s.expire()
	work += s.fireTimers()
	return work
}

func (s *Service) runPosted() int {
	s.postMu.Lock()
	posted := s.posted
	s.posted = nil
	s.postMu.Unlock()
	for _, fn := range posted {
		fn()
	}
	return len(posted)
}

func (s *Service) runDeferred() int {
	s.running, s.deferred = s.deferred, nil
	n := 0
	for _, t := range s.running {
		if t.dead {
			continue
		}
		t.dead = true
		t.fn()
		n++
	}
	s.running = nil
	return n
}

func (s *Service) receive() int {
	n := 0
	for n < s.conf.PollBatch {
		m, ok := s.transport.Receive()
		if !ok {
			break
		}
		n++
		s.dispatch(m)
	}
	return n
}

func (s *Service) dispatch(m rpc.Message) {
	h, body, err := rpc.DecodeHeader(m.Payload)
	if err != nil {
		logging.Logf(s.ctx, "drop undecodable message %s: %v", m, err)
		return
	}
	in := Inbound{From: m.From, To: m.To, Header: h, Body: body}

	if h.Type.IsRequest() {
		handler, ok := s.handlers[m.To]
		if !ok {
			logging.Logf(s.ctx, "drop %s: %v", m, ErrNoHandler)
			return
		}
		handler.HandleRequest(in)
		return
	}

	p, ok := s.pending[h.Token]
	if !ok {
		logging.Logf(s.ctx, "drop unmatched %s", m)
		return
	}
	if m.From != p.msg.To {
		logging.Logf(s.ctx, "drop %s: pending %s was sent to %s", m, p.msg.Type, p.msg.To)
		return
	}
	if !expects(p.req.Expect, h.Type) {
		logging.Logf(s.ctx, "drop unexpected %s for pending %s", m, p.msg.Type)
		return
	}
	s.finish(p)
	if p.req.OnResponse != nil {
		p.req.OnResponse(in)
	}
}

func expects(types []rpc.RpcType, t rpc.RpcType) bool {
	if len(types) == 0 {
		return true
	}
	for _, e := range types {
		if e == t {
			return true
		}
	}
	return false
}

func (s *Service) expire() int {
	now := s.clock.Now()
	n := 0
	live := s.order[:0]
	// callbacks may register new requests; they land past len(order)
	order := s.order
	s.order = nil
	for _, p := range order {
		if p.done {
			continue
		}
		if now.Before(p.deadline) {
			live = append(live, p)
			continue
		}
		n++
		if p.retries > 0 {
			p.retries--
			p.deadline = now.Add(p.req.Timeout)
			live = append(live, p)
			if err := s.Send(p.msg); err == nil {
				logging.Logf(s.ctx, "retry %s (%d left)", p.msg, p.retries)
				continue
			}
		}
		s.finish(p)
		if p.req.OnError != nil {
			p.req.OnError(ErrRequestTimeout)
		}
	}
	s.order = append(live, s.order...)
	return n
}

func (s *Service) fireTimers() int {
	now := s.clock.Now()
	n := 0
	// timers added by callbacks wait for the next poll
	due := len(s.timers)
	for i := 0; i < due && i < len(s.timers); i++ {
		t := s.timers[i]
		if t.stopped || now.Before(t.next) {
			continue
		}
		t.next = now.Add(t.period)
		t.fn()
		n++
	}
	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	s.timers = live
	return n
}

// Run polls until ctx is done, sleeping while there is nothing to do.
func (s *Service) Run(ctx context.Context) error {
	tick := s.clock.Ticker(s.conf.PollInterval)
	defer tick.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if s.Poll() > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.transport.Notify():
		case <-s.wake:
		case <-tick.C:
		}
	}
}

// Close drops every registration and closes the transport.
func (s *Service) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	for e := range s.handlers {
		err = multierr.Append(err, s.transport.Unbind(e))
		delete(s.handlers, e)
	}
	s.pending = make(map[id.NodeID]*pending)
	s.order = nil
	s.deferred = nil
	s.timers = nil
	return multierr.Append(err, s.transport.Close())
}
