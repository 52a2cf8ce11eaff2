package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	mrand "math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/id"
	"github.com/WanderningMaster/kademlia/internal/node"
	"github.com/WanderningMaster/kademlia/internal/service"
	"github.com/WanderningMaster/kademlia/internal/transport"
)

// localnet runs a whole network on loopback in one process, every session on
// its own UDP port, for poking at with kad put/get.
func main() {
	numNodes := flag.Int("nodes", 50, "number of sessions")
	basePort := flag.Int("port", 9200, "UDP port of the first session")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := service.New(transport.NewUDP(ctx, 4096))
	sessions := make([]*node.Session, 0, *numNodes)

	listen := func(i int) endpoint.Endpoint {
		return endpoint.MustNew("127.0.0.1", uint16(*basePort+i))
	}

	first, err := node.NewFirstSession(svc, listen(0), endpoint.Endpoint{}, id.RandomID())
	if err != nil {
		log.Fatalf("first session: %v", err)
	}
	sessions = append(sessions, first)
	for i := 1; i < *numNodes; i++ {
		peer := sessions[mrand.Intn(len(sessions))]
		s, err := node.NewSession(svc, peer.IPv4(), listen(i), endpoint.Endpoint{}, id.RandomID(),
			node.WithJoinHandler(func(err error) {
				if err != nil {
					log.Printf("session %d failed to join: %v", i, err)
				}
			}))
		if err != nil {
			log.Fatalf("session %d: %v", i, err)
		}
		sessions = append(sessions, s)
	}

	bs := sessions[mrand.Intn(len(sessions))].IPv4()
	fmt.Println(bs)
	log.Printf("Started %d sessions on 127.0.0.1:%d-%d; bootstrap: %s", *numNodes, *basePort, *basePort+*numNodes-1, bs)

	if err := svc.Run(ctx); err != nil {
		log.Printf("service: %v", err)
	}
	log.Printf("Interrupt received, shutting down...")
	for _, s := range sessions {
		_ = s.Close()
	}
	if err := svc.Close(); err != nil {
		log.Printf("close: %v", err)
	}
}
