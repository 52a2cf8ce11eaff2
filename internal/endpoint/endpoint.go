package endpoint

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Endpoint is a family-tagged transport address. Two endpoints are equal iff
// family, address and port match, so the type can be compared with == and
// used as a map key.
type Endpoint struct {
	ap netip.AddrPort
}

func New(host string, port uint16) (Endpoint, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint address %q: %w", host, err)
	}
	return Endpoint{ap: netip.AddrPortFrom(addr, port)}, nil
}

func MustNew(host string, port uint16) Endpoint {
	e, err := New(host, port)
	if err != nil {
		panic(err)
	}
	return e
}

// Parse accepts "host:port" and "[v6]:port".
func Parse(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint port %q: %w", portStr, err)
	}
	return New(host, uint16(port))
}

func FromAddrPort(ap netip.AddrPort) Endpoint {
	return Endpoint{ap: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}
}

func FromUDPAddr(a *net.UDPAddr) Endpoint {
	return FromAddrPort(a.AddrPort())
}

func (e Endpoint) AddrPort() netip.AddrPort { return e.ap }
func (e Endpoint) Addr() netip.Addr         { return e.ap.Addr() }
func (e Endpoint) Port() uint16             { return e.ap.Port() }
func (e Endpoint) IsV4() bool               { return e.ap.Addr().Is4() }
func (e Endpoint) IsV6() bool               { return e.ap.Addr().Is6() }
func (e Endpoint) IsValid() bool            { return e.ap.IsValid() }
func (e Endpoint) IsUnspecified() bool      { return e.ap.Addr().IsUnspecified() }

func (e Endpoint) UDPAddr() *net.UDPAddr { return net.UDPAddrFromAddrPort(e.ap) }

func (e Endpoint) WithPort(port uint16) Endpoint {
	return Endpoint{ap: netip.AddrPortFrom(e.ap.Addr(), port)}
}

func (e Endpoint) String() string { return e.ap.String() }

func (e Endpoint) MarshalBinary() ([]byte, error) { return e.ap.MarshalBinary() }

func (e *Endpoint) UnmarshalBinary(b []byte) error {
	var ap netip.AddrPort
	if err := ap.UnmarshalBinary(b); err != nil {
		return err
	}
	e.ap = ap
	return nil
}

func (e Endpoint) MarshalText() ([]byte, error) { return e.ap.MarshalText() }

func (e *Endpoint) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*e = Endpoint{}
		return nil
	}
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*e = p
	return nil
}
