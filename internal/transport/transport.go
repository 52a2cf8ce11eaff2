package transport

import (
	"errors"

	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/rpc"
)

var (
	ErrUnreachable  = errors.New("endpoint unreachable")
	ErrAddressInUse = errors.New("address already in use")
	ErrNotBound     = errors.New("endpoint not bound")
	ErrClosed       = errors.New("transport closed")
)

// Transport moves messages between endpoints. Send and Receive never block;
// Receive reports false when nothing is waiting.
type Transport interface {
	// Bind starts listening on e and returns the endpoint actually bound,
	// which differs from e when e is unspecified or has port 0.
	Bind(e endpoint.Endpoint) (endpoint.Endpoint, error)
	Unbind(e endpoint.Endpoint) error
	Send(m rpc.Message) error
	Receive() (rpc.Message, bool)
	// Notify is signalled when Receive may have something to return.
	Notify() <-chan struct{}
	Close() error
}

// Observer sees every message a service hands to its transport.
type Observer interface {
	Observe(m rpc.Message)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
