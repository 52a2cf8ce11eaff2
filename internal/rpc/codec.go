package rpc

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/WanderningMaster/kademlia/internal/endpoint"
)

var (
	ErrTruncated   = errors.New("truncated message")
	ErrBadVersion  = errors.New("unsupported message version")
	ErrUnknownType = errors.New("unknown message type")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{TimeTag: cbor.DecTagIgnored}).DecMode(); err != nil {
		panic(err)
	}
}

// Encode serializes the header followed by an optional body.
func Encode(h Header, body any) ([]byte, error) {
	h.Version = Version
	var buf bytes.Buffer
	enc := encMode.NewEncoder(&buf)
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if body != nil {
		if err := enc.Encode(body); err != nil {
			return nil, fmt.Errorf("encode %s body: %w", h.Type, err)
		}
	}
	return buf.Bytes(), nil
}

// NewMessage builds a routed message from a header and body.
func NewMessage(from, to endpoint.Endpoint, h Header, body any) (Message, error) {
	payload, err := Encode(h, body)
	if err != nil {
		return Message{}, err
	}
	return Message{From: from, To: to, Type: h.Type, Payload: payload}, nil
}

// DecodeHeader returns the header and the undecoded body bytes.
func DecodeHeader(payload []byte) (Header, []byte, error) {
	var h Header
	var raw cbor.RawMessage
	if err := decMode.NewDecoder(bytes.NewReader(payload)).Decode(&raw); err != nil {
		return h, nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if err := decMode.Unmarshal(raw, &h); err != nil {
		return h, nil, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return h, nil, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if !h.Type.Valid() {
		return h, nil, fmt.Errorf("%w: %d", ErrUnknownType, h.Type)
	}
	return h, payload[len(raw):], nil
}

// DecodeBody unmarshals a body previously split off by DecodeHeader.
func DecodeBody(body []byte, v any) error {
	if len(body) == 0 {
		return ErrTruncated
	}
	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
