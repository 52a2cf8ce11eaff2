package main

import (
	"fmt"

	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/id"
	"github.com/WanderningMaster/kademlia/internal/node"
	"github.com/WanderningMaster/kademlia/internal/service"
	"github.com/WanderningMaster/kademlia/internal/transport"
)

// Two sessions on the in-memory network: join, save on one, load from the
// other, then print every message that was exchanged.
func main() {
	rec := transport.NewRecorder()
	svc := service.New(transport.NewMemory(), service.WithObserver(rec))
	defer svc.Close()

	anyIPv4 := endpoint.MustNew("0.0.0.0", 27980)
	anyIPv6 := endpoint.MustNew("::", 27980)

	s1, err := node.NewFirstSession(svc, anyIPv4, anyIPv6, id.RandomID())
	if err != nil {
		panic(err)
	}
	s2, err := node.NewSession(svc, s1.IPv4(), anyIPv4, anyIPv6, id.RandomID())
	if err != nil {
		panic(err)
	}

	done := false
	s2.AsyncSave([]byte("hello"), []byte("world"), func(err error) {
		if err != nil {
			panic(err)
		}
		s1.AsyncLoad([]byte("hello"), func(data []byte, err error) {
			if err != nil {
				panic(err)
			}
			fmt.Printf("loaded %q from %s\n", data, s1.IPv4())
			done = true
		})
	})
	for !done {
		svc.Poll()
	}

	for m, ok := rec.Pop(); ok; m, ok = rec.Pop() {
		fmt.Println(m)
	}
}
