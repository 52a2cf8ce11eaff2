package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	daemon "github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/multierr"

	"github.com/WanderningMaster/kademlia/configuration"
	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/logging"
	"github.com/WanderningMaster/kademlia/internal/node"
	"github.com/WanderningMaster/kademlia/internal/service"
	"github.com/WanderningMaster/kademlia/internal/store"
	"github.com/WanderningMaster/kademlia/internal/transport"
)

// runNode serves until interrupted. An empty peer starts a new network.
func runNode(peer string, port int, mem, ipv6 bool) error {
	conf, err := configuration.LoadUserConfig()
	if err != nil {
		return err
	}
	self, err := conf.ID()
	if err != nil {
		return err
	}
	if port == 0 {
		port = conf.UdpPort
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithPrefix(ctx, logging.CliPrefix)

	svc := service.New(transport.NewUDP(ctx, 1024))

	opts := []node.Option{node.WithJoinHandler(func(err error) {
		if err != nil {
			logging.Warnf(ctx, "join failed: %v", err)
			stop()
			return
		}
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logging.Logf(ctx, "sd_notify: %v", err)
		}
	})}
	if !mem {
		st, err := store.NewDiskStore(conf.DataDir, store.DiskWithMaxValueSize(svc.Config().MaxValueSize))
		if err != nil {
			return multierr.Append(err, svc.Close())
		}
		opts = append(opts, node.WithStore(st))
	}

	listen4 := endpoint.MustNew("0.0.0.0", uint16(port))
	var listen6 endpoint.Endpoint
	if ipv6 {
		listen6 = endpoint.MustNew("::", uint16(port))
	}

	var s *node.Session
	if peer == "" {
		s, err = node.NewFirstSession(svc, listen4, listen6, self, opts...)
	} else {
		var known endpoint.Endpoint
		if known, err = endpoint.Parse(peer); err == nil {
			s, err = node.NewSession(svc, known, listen4, listen6, self, opts...)
		}
	}
	if err != nil {
		return multierr.Append(err, svc.Close())
	}
	fmt.Printf("node %s listening on %s %s\n", conf.NodeId, s.IPv4(), s.IPv6())

	err = svc.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if joinErr := s.Err(); joinErr != nil {
		err = multierr.Append(err, joinErr)
	}
	return multierr.Combine(err, s.Close(), svc.Close())
}
