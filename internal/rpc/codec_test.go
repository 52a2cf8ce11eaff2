package rpc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/id"
	"github.com/WanderningMaster/kademlia/internal/routing"
)

func TestFindNodeResponseSurvivesWire(t *testing.T) {
	h := Header{Type: FindNodeResponse, Source: id.RandomID(), Token: id.RandomID()}
	peers := []routing.Contact{
		{ID: id.RandomID(), Endpoint: endpoint.MustNew("10.0.0.1", 27980)},
		{ID: id.RandomID(), Endpoint: endpoint.MustNew("fc00::1", 27980)},
	}
	raw, err := Encode(h, FindNodeResponseBody{Peers: peers})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	gotH, body, err := DecodeHeader(raw)
	if err != nil {
		t.Fatalf("DecodeHeader error: %v", err)
	}
	if gotH.Type != h.Type || gotH.Source != h.Source || gotH.Token != h.Token || gotH.Version != Version {
		t.Fatalf("header mismatch: got %+v want %+v", gotH, h)
	}
	var resp FindNodeResponseBody
	if err := DecodeBody(body, &resp); err != nil {
		t.Fatalf("DecodeBody error: %v", err)
	}
	if len(resp.Peers) != len(peers) {
		t.Fatalf("peer count: got %d want %d", len(resp.Peers), len(peers))
	}
	for i := range peers {
		if resp.Peers[i].ID != peers[i].ID || resp.Peers[i].Endpoint != peers[i].Endpoint {
			t.Fatalf("peer %d mismatch: got %+v want %+v", i, resp.Peers[i], peers[i])
		}
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	h := Header{Type: StoreRequest, Source: id.MustFromHex("1"), Token: id.MustFromHex("2")}
	body := StoreRequestBody{Key: id.HashKey([]byte("k")), Data: []byte("content")}
	a, err := Encode(h, body)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	b, _ := Encode(h, body)
	if !bytes.Equal(a, b) {
		t.Fatalf("encoding not deterministic")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeHeader(nil); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if _, _, err := DecodeHeader([]byte{0xff, 0x00}); err == nil {
		t.Fatalf("expected error for garbage")
	}

	raw, _ := Encode(Header{Type: RpcType(42)}, nil)
	if _, _, err := DecodeHeader(raw); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if err := DecodeBody(nil, &StoreRequestBody{}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated for empty body, got %v", err)
	}
}

func TestMessageEquality(t *testing.T) {
	from := endpoint.MustNew("10.0.0.2", 27980)
	to := endpoint.MustNew("10.0.0.1", 27980)
	h := Header{Type: PingRequest, Source: id.MustFromHex("a"), Token: id.MustFromHex("b")}
	m1, err := NewMessage(from, to, h, nil)
	if err != nil {
		t.Fatalf("NewMessage error: %v", err)
	}
	m2, _ := NewMessage(from, to, h, nil)
	if !m1.Equal(m2) {
		t.Fatalf("structurally identical messages differ")
	}
	h.Token = id.MustFromHex("c")
	m3, _ := NewMessage(from, to, h, nil)
	if m1.Equal(m3) {
		t.Fatalf("messages with different payload compare equal")
	}
	if !m1.SameRoute(m3) {
		t.Fatalf("SameRoute should ignore payload")
	}
	if got, want := m1.String(), "10.0.0.2:27980>10.0.0.1:27980: PING_REQUEST"; got != want {
		t.Fatalf("String: got %q want %q", got, want)
	}
}

func TestParseRpcType(t *testing.T) {
	for typ := PingRequest; typ <= FindValueResponse; typ++ {
		got, err := ParseRpcType(typ.String())
		if err != nil || got != typ {
			t.Fatalf("ParseRpcType(%s): got %v, %v", typ, got, err)
		}
		if typ.IsRequest() == (typ%2 == 1) {
			t.Fatalf("IsRequest wrong for %s", typ)
		}
	}
	if _, err := ParseRpcType("NOPE"); err == nil {
		t.Fatalf("expected error")
	}
}
