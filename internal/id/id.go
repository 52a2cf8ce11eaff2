package id

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	mbase "github.com/multiformats/go-multibase"
	"lukechampine.com/blake3"
)

const (
	Bytes = 20
	Bits  = Bytes * 8
)

var ErrInvalidID = errors.New("invalid id")

type NodeID [Bytes]byte

func (id NodeID) String() string { return hex.EncodeToString(id[:]) }

// Short is the first 8 hex digits, used in log lines.
func (id NodeID) Short() string { return id.String()[:8] }

func RandomID() NodeID {
	var id NodeID
	_, _ = rand.Read(id[:])
	return id
}

// FromHex parses an id literal. Shorter literals are left padded with zeros.
func FromHex(s string) (NodeID, error) {
	var id NodeID
	if len(s) > 2*Bytes {
		return id, fmt.Errorf("%w: %q is longer than %d digits", ErrInvalidID, s, 2*Bytes)
	}
	s = strings.Repeat("0", 2*Bytes-len(s)) + s
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	copy(id[:], b)
	return id, nil
}

func MustFromHex(s string) NodeID {
	id, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return id
}

// HashKey maps an application key onto the id space.
func HashKey(key []byte) NodeID {
	h := blake3.New(Bytes, nil)
	_, _ = h.Write(key)
	var id NodeID
	copy(id[:], h.Sum(nil))
	return id
}

// Encode returns the multibase (base32) text form of the id.
func (id NodeID) Encode() (string, error) {
	return mbase.Encode(mbase.Base32, id[:])
}

func Decode(s string) (NodeID, error) {
	var id NodeID
	_, raw, err := mbase.Decode(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if len(raw) != Bytes {
		return id, fmt.Errorf("%w: bad length %d", ErrInvalidID, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func Distance(a, b NodeID) NodeID {
	var x NodeID
	for i := range Bytes {
		x[i] = a[i] ^ b[i]
	}
	return x
}

func XorDist(a, b NodeID) *big.Int {
	x := Distance(a, b)
	return new(big.Int).SetBytes(x[:])
}

func (id NodeID) Less(o NodeID) bool { return bytes.Compare(id[:], o[:]) < 0 }

func (id NodeID) IsZero() bool { return id == NodeID{} }

// CompareDistance orders a and b by their distance to ref.
func CompareDistance(a, b, ref NodeID) int {
	da, db := Distance(a, ref), Distance(b, ref)
	return bytes.Compare(da[:], db[:])
}

// CommonPrefixLen counts the leading bits a and b share; Bits when equal.
func CommonPrefixLen(a, b NodeID) int {
	for i := range Bytes {
		x := a[i] ^ b[i]
		if x == 0 {
			continue
		}
		n := i * 8
		for mask := byte(0x80); x&mask == 0; mask >>= 1 {
			n++
		}
		return n
	}
	return Bits
}

// Bit reports bit i, counting from the most significant bit.
func (id NodeID) Bit(i int) bool {
	return id[i/8]&(0x80>>(i%8)) != 0
}

// FlipBit returns a copy of id with bit i inverted.
func (id NodeID) FlipBit(i int) NodeID {
	id[i/8] ^= 0x80 >> (i % 8)
	return id
}

// RandomInBucket returns a random id sharing exactly prefix leading bits with self.
func RandomInBucket(self NodeID, prefix int) NodeID {
	if prefix >= Bits {
		return self
	}
	r := RandomID()
	for i := range prefix {
		if r.Bit(i) != self.Bit(i) {
			r = r.FlipBit(i)
		}
	}
	if r.Bit(prefix) == self.Bit(prefix) {
		r = r.FlipBit(prefix)
	}
	return r
}
