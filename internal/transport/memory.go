package transport

import (
	"net/netip"
	"sync"

	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/rpc"
)

var (
	firstIPv4 = netip.MustParseAddr("10.0.0.0")
	firstIPv6 = netip.MustParseAddr("fc00::")
)

// Memory is an in-process network. Binding an unspecified address attributes
// the next free address of 10.0.0.0/8 or fc00::/7, in order, so scenarios
// see stable endpoints (10.0.0.1, 10.0.0.2, ...).
type Memory struct {
	mu       sync.Mutex
	bound    map[endpoint.Endpoint]bool
	queue    []rpc.Message
	lastIPv4 netip.Addr
	lastIPv6 netip.Addr
	drop     func(rpc.Message) bool
	notify   chan struct{}
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{
		bound:    make(map[endpoint.Endpoint]bool),
		lastIPv4: firstIPv4,
		lastIPv6: firstIPv6,
		notify:   make(chan struct{}, 1),
	}
}

// ForgetAttributedIPs restarts address attribution from the first address.
func (n *Memory) ForgetAttributedIPs() {
	n.mu.Lock()
	n.lastIPv4 = firstIPv4
	n.lastIPv6 = firstIPv6
	n.mu.Unlock()
}

// SetDropFilter makes Send silently lose messages for which drop returns true.
func (n *Memory) SetDropFilter(drop func(rpc.Message) bool) {
	n.mu.Lock()
	n.drop = drop
	n.mu.Unlock()
}

func (n *Memory) Bind(e endpoint.Endpoint) (endpoint.Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return endpoint.Endpoint{}, ErrClosed
	}
	if e.IsUnspecified() {
		e = n.attribute(e)
	}
	if n.bound[e] {
		return endpoint.Endpoint{}, ErrAddressInUse
	}
	n.bound[e] = true
	return e, nil
}

func (n *Memory) attribute(e endpoint.Endpoint) endpoint.Endpoint {
	last := &n.lastIPv6
	if e.IsV4() {
		last = &n.lastIPv4
	}
	for {
		*last = last.Next()
		candidate := endpoint.FromAddrPort(netip.AddrPortFrom(*last, e.Port()))
		if !n.bound[candidate] {
			return candidate
		}
	}
}

func (n *Memory) Unbind(e endpoint.Endpoint) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.bound[e] {
		return ErrNotBound
	}
	delete(n.bound, e)
	return nil
}

func (n *Memory) Send(m rpc.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if !n.bound[m.To] {
		return ErrUnreachable
	}
	if n.drop != nil && n.drop(m) {
		return nil
	}
	m.Payload = append([]byte(nil), m.Payload...)
	n.queue = append(n.queue, m)
	signal(n.notify)
	return nil
}

func (n *Memory) Receive() (rpc.Message, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for len(n.queue) > 0 {
		m := n.queue[0]
		n.queue[0] = rpc.Message{}
		n.queue = n.queue[1:]
		// the receiver may have gone away while the message was in flight
		if n.bound[m.To] {
			return m, true
		}
	}
	return rpc.Message{}, false
}

// Pending is the number of messages in flight.
func (n *Memory) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

func (n *Memory) Notify() <-chan struct{} { return n.notify }

func (n *Memory) Close() error {
	n.mu.Lock()
	n.closed = true
	n.queue = nil
	n.bound = make(map[endpoint.Endpoint]bool)
	n.mu.Unlock()
	return nil
}
