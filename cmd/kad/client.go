package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WanderningMaster/kademlia/configuration"
	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/id"
	"github.com/WanderningMaster/kademlia/internal/logging"
	"github.com/WanderningMaster/kademlia/internal/node"
	"github.com/WanderningMaster/kademlia/internal/routing"
	"github.com/WanderningMaster/kademlia/internal/service"
	"github.com/WanderningMaster/kademlia/internal/transport"
)

// withSession joins the network through peer with a throwaway session, runs
// op on it and waits for op to call done.
func withSession(peer string, timeout time.Duration, op func(s *node.Session, done func(error))) error {
	if peer == "" {
		conf, err := configuration.LoadUserConfig()
		if err != nil {
			return err
		}
		if conf.Peer == "" {
			return errors.New("no peer given and none in the user config")
		}
		peer = conf.Peer
	}
	known, err := endpoint.Parse(peer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(logging.WithPrefix(context.Background(), logging.CliPrefix), timeout)
	defer cancel()

	svc := service.New(transport.NewUDP(ctx, 256))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })

	result := make(chan error, 1)
	done := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	svc.Post(func() {
		listen4, listen6 := endpoint.MustNew("0.0.0.0", 0), endpoint.Endpoint{}
		if known.IsV6() {
			listen4, listen6 = endpoint.Endpoint{}, endpoint.MustNew("::", 0)
		}
		s, err := node.NewSession(svc, known, listen4, listen6, id.NodeID{})
		if err != nil {
			done(err)
			return
		}
		op(s, done)
	})

	select {
	case err = <-result:
	case <-ctx.Done():
		err = fmt.Errorf("no answer within %s: %w", timeout, ctx.Err())
	}
	cancel()
	_ = g.Wait()
	return errors.Join(err, svc.Close())
}

func put(peer, key, value string, timeout time.Duration) error {
	err := withSession(peer, timeout, func(s *node.Session, done func(error)) {
		s.AsyncSave([]byte(key), []byte(value), done)
	})
	if err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func get(peer, key string, timeout time.Duration) error {
	var value []byte
	err := withSession(peer, timeout, func(s *node.Session, done func(error)) {
		s.AsyncLoad([]byte(key), func(data []byte, err error) {
			value = data
			done(err)
		})
	})
	if err != nil {
		return err
	}
	fmt.Println(string(value))
	return nil
}

func closest(peer, target string, timeout time.Duration) error {
	var contacts []routing.Contact
	err := withSession(peer, timeout, func(s *node.Session, done func(error)) {
		t := s.ID()
		if target != "" {
			var err error
			if t, err = parseID(target); err != nil {
				done(err)
				return
			}
		}
		s.FindNode(t, func(c []routing.Contact, err error) {
			contacts = c
			done(err)
		})
	})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENDPOINT")
	for _, c := range contacts {
		fmt.Fprintf(w, "%s\t%s\n", c.ID, c.Endpoint)
	}
	return w.Flush()
}

func parseID(s string) (id.NodeID, error) {
	if v, err := id.FromHex(s); err == nil {
		return v, nil
	}
	return id.Decode(s)
}
