package rpc

import (
	"bytes"
	"fmt"

	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/id"
	"github.com/WanderningMaster/kademlia/internal/routing"
)

type RpcType uint8

const (
	PingRequest RpcType = iota
	PingResponse
	FindNodeRequest
	FindNodeResponse
	StoreRequest
	StoreResponse
	FindValueRequest
	FindValueResponse
)

var typeNames = [...]string{
	PingRequest:       "PING_REQUEST",
	PingResponse:      "PING_RESPONSE",
	FindNodeRequest:   "FIND_NODE_REQUEST",
	FindNodeResponse:  "FIND_NODE_RESPONSE",
	StoreRequest:      "STORE_REQUEST",
	StoreResponse:     "STORE_RESPONSE",
	FindValueRequest:  "FIND_VALUE_REQUEST",
	FindValueResponse: "FIND_VALUE_RESPONSE",
}

func (t RpcType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("RpcType(%d)", uint8(t))
}

func (t RpcType) Valid() bool { return int(t) < len(typeNames) }

// IsRequest reports whether a message of type t expects an answer.
func (t RpcType) IsRequest() bool {
	switch t {
	case PingRequest, FindNodeRequest, StoreRequest, FindValueRequest:
		return true
	}
	return false
}

func ParseRpcType(s string) (RpcType, error) {
	for i, n := range typeNames {
		if n == s {
			return RpcType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", s)
}

const Version uint8 = 1

// Header prefixes every payload. Token correlates a response with the
// request that caused it.
type Header struct {
	_       struct{}  `cbor:",toarray"`
	Version uint8     `cbor:"v"`
	Type    RpcType   `cbor:"type"`
	Source  id.NodeID `cbor:"src"`
	Token   id.NodeID `cbor:"token"`
}

type FindNodeRequestBody struct {
	_      struct{}  `cbor:",toarray"`
	Target id.NodeID `cbor:"target"`
}

type FindNodeResponseBody struct {
	_     struct{}          `cbor:",toarray"`
	Peers []routing.Contact `cbor:"peers"`
}

type FindValueRequestBody struct {
	_   struct{}  `cbor:",toarray"`
	Key id.NodeID `cbor:"key"`
}

type FindValueResponseBody struct {
	_    struct{} `cbor:",toarray"`
	Data []byte   `cbor:"data"`
}

type StoreRequestBody struct {
	_    struct{}  `cbor:",toarray"`
	Key  id.NodeID `cbor:"key"`
	Data []byte    `cbor:"data"`
}

// Message is one datagram between two endpoints. Type mirrors the header
// type carried in Payload.
type Message struct {
	From    endpoint.Endpoint
	To      endpoint.Endpoint
	Type    RpcType
	Payload []byte
}

func (m Message) Equal(o Message) bool {
	return m.From == o.From && m.To == o.To && m.Type == o.Type && bytes.Equal(m.Payload, o.Payload)
}

// SameRoute compares everything but the payload.
func (m Message) SameRoute(o Message) bool {
	return m.From == o.From && m.To == o.To && m.Type == o.Type
}

func (m Message) String() string {
	return fmt.Sprintf("%s>%s: %s", m.From, m.To, m.Type)
}
