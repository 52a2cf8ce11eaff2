package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/WanderningMaster/kademlia/configuration"
	"github.com/WanderningMaster/kademlia/internal/logging"
)

func main() {
	defer logging.Sync()

	root := &cobra.Command{
		Use:           "kad",
		Short:         "Kademlia DHT node",
		Long:          "Run a Kademlia DHT node over UDP and save or load values through one.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		nodePort int
		nodeMem  bool
		nodeIPv6 bool
	)
	cmdFirst := &cobra.Command{
		Use:   "first",
		Short: "Start a new network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode("", nodePort, nodeMem, nodeIPv6)
		},
	}
	var joinPeer string
	cmdJoin := &cobra.Command{
		Use:   "join",
		Short: "Join the network a known peer belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(joinPeer, nodePort, nodeMem, nodeIPv6)
		},
	}
	cmdJoin.Flags().StringVarP(&joinPeer, "peer", "p", "", "known peer (host:port)")
	_ = cmdJoin.MarkFlagRequired("peer")
	for _, c := range []*cobra.Command{cmdFirst, cmdJoin} {
		c.Flags().IntVar(&nodePort, "port", 0, "UDP port (defaults to the user config)")
		c.Flags().BoolVarP(&nodeMem, "mem", "m", false, "keep values in memory; defaults to on-disk")
		c.Flags().BoolVar(&nodeIPv6, "ipv6", true, "also listen on IPv6")
		root.AddCommand(c)
	}

	var (
		peer    string
		timeout time.Duration
	)
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "give up on put/get/closest after this long")

	var putKey, putValue string
	cmdPut := &cobra.Command{
		Use:   "put",
		Short: "Save a value in the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return put(peer, putKey, putValue, timeout)
		},
	}
	cmdPut.Flags().StringVarP(&putKey, "key", "k", "", "key")
	cmdPut.Flags().StringVarP(&putValue, "value", "v", "", "value")
	_ = cmdPut.MarkFlagRequired("key")

	var getKey string
	cmdGet := &cobra.Command{
		Use:   "get",
		Short: "Load a value from the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return get(peer, getKey, timeout)
		},
	}
	cmdGet.Flags().StringVarP(&getKey, "key", "k", "", "key")
	_ = cmdGet.MarkFlagRequired("key")

	var closestTarget string
	cmdClosest := &cobra.Command{
		Use:   "closest",
		Short: "List the contacts closest to an id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return closest(peer, closestTarget, timeout)
		},
	}
	cmdClosest.Flags().StringVarP(&closestTarget, "target", "t", "", "node id, hex or multibase (defaults to self)")

	for _, c := range []*cobra.Command{cmdPut, cmdGet, cmdClosest} {
		c.Flags().StringVarP(&peer, "peer", "p", "", "peer to join through (defaults to the user config)")
		root.AddCommand(c)
	}

	cmdID := &cobra.Command{
		Use:   "id",
		Short: "Print this node's id",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := configuration.LoadUserConfig()
			if err != nil {
				return err
			}
			self, err := conf.ID()
			if err != nil {
				return err
			}
			fmt.Printf("%s\n%s\n", conf.NodeId, self)
			return nil
		},
	}
	root.AddCommand(cmdID)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
