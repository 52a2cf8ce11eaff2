package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/logging"
	"github.com/WanderningMaster/kademlia/internal/rpc"
)

const maxDatagram = 64 << 10

// UDP sends each message as one datagram. Reader goroutines only feed the
// inbox; all message handling happens in the caller of Receive.
type UDP struct {
	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu    sync.Mutex
	conns map[endpoint.Endpoint]*net.UDPConn

	inbox  chan rpc.Message
	notify chan struct{}
}

func NewUDP(ctx context.Context, inboxSize int) *UDP {
	ctx, cancel := context.WithCancel(logging.WithPrefix(ctx, logging.TransportPrefix))
	g, ctx := errgroup.WithContext(ctx)
	return &UDP{
		ctx:    ctx,
		cancel: cancel,
		g:      g,
		conns:  make(map[endpoint.Endpoint]*net.UDPConn),
		inbox:  make(chan rpc.Message, inboxSize),
		notify: make(chan struct{}, 1),
	}
}

func (u *UDP) Bind(e endpoint.Endpoint) (endpoint.Endpoint, error) {
	network := "udp6"
	if e.IsV4() {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, e.UDPAddr())
	if err != nil {
		return endpoint.Endpoint{}, err
	}
	local := endpoint.FromUDPAddr(conn.LocalAddr().(*net.UDPAddr))

	u.mu.Lock()
	if _, dup := u.conns[local]; dup {
		u.mu.Unlock()
		_ = conn.Close()
		return endpoint.Endpoint{}, ErrAddressInUse
	}
	u.conns[local] = conn
	u.mu.Unlock()

	u.g.Go(func() error { return u.readLoop(conn, local) })
	logging.Logf(u.ctx, "bound %s", local)
	return local, nil
}

func (u *UDP) readLoop(conn *net.UDPConn, local endpoint.Endpoint) error {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || u.ctx.Err() != nil {
				return nil
			}
			return err
		}
		payload := append([]byte(nil), buf[:n]...)
		h, _, err := rpc.DecodeHeader(payload)
		if err != nil {
			logging.Logf(u.ctx, "drop malformed datagram from %s: %v", addr, err)
			continue
		}
		m := rpc.Message{From: endpoint.FromAddrPort(addr), To: local, Type: h.Type, Payload: payload}
		select {
		case u.inbox <- m:
			signal(u.notify)
		case <-u.ctx.Done():
			return nil
		default:
			logging.Logf(u.ctx, "inbox full, drop %s", m)
		}
	}
}

func (u *UDP) Unbind(e endpoint.Endpoint) error {
	u.mu.Lock()
	conn, ok := u.conns[e]
	delete(u.conns, e)
	u.mu.Unlock()
	if !ok {
		return ErrNotBound
	}
	return conn.Close()
}

func (u *UDP) Send(m rpc.Message) error {
	conn := u.connFor(m)
	if conn == nil {
		return ErrUnreachable
	}
	_, err := conn.WriteToUDPAddrPort(m.Payload, m.To.AddrPort())
	return err
}

func (u *UDP) connFor(m rpc.Message) *net.UDPConn {
	u.mu.Lock()
	defer u.mu.Unlock()
	if c, ok := u.conns[m.From]; ok {
		return c
	}
	for e, c := range u.conns {
		if e.IsV4() == m.To.IsV4() {
			return c
		}
	}
	return nil
}

func (u *UDP) Receive() (rpc.Message, bool) {
	select {
	case m := <-u.inbox:
		return m, true
	default:
		return rpc.Message{}, false
	}
}

func (u *UDP) Notify() <-chan struct{} { return u.notify }

func (u *UDP) Close() error {
	u.cancel()
	u.mu.Lock()
	var err error
	for e, c := range u.conns {
		err = multierr.Append(err, c.Close())
		delete(u.conns, e)
	}
	u.mu.Unlock()
	return multierr.Append(err, u.g.Wait())
}
