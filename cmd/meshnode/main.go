// Command meshnode is a small demonstration binary supplementing the
// dropped original_source/examples/echo client: it starts a node,
// registers an echo RPC handler, and in "-relay" mode fans an RPC out
// four times and prints each response as it arrives via
// node.WaitAnyRPC, reproducing spec.md §8 scenario 1.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pombredanne/junction/config"
	"github.com/pombredanne/junction/errs"
	"github.com/pombredanne/junction/future"
	"github.com/pombredanne/junction/hooks"
	"github.com/pombredanne/junction/identity"
	"github.com/pombredanne/junction/log"
	"github.com/pombredanne/junction/metrics"
	"github.com/pombredanne/junction/node"
	"github.com/pombredanne/junction/subscribe"
)

const (
	echoService = 1
	echoMethod  = "echo"
)

func main() {
	app := &cli.App{
		Name:  "meshnode",
		Usage: "run a junction mesh node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to the node's TOML config"},
			&cli.BoolFlag{Name: "relay", Usage: "fan an echo RPC out four times and print the responses as they arrive"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "if set, serve Prometheus metrics on this address"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("meshnode exiting", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	configureLogging(cfg)

	self, err := identityFor(cfg.Node.Listen)
	if err != nil {
		return err
	}

	n := node.New(self, cfg.Node.Listen, hooks.Hooks{
		ConnectionLost: func(peer identity.Identity, subs []subscribe.Subscription) {
			log.Info("peer connection lost", "peer", peer, "subscriptions", len(subs))
		},
	}, errs.NewRegistry())

	if addr := c.String("metrics-addr"); addr != "" {
		go func() {
			if err := http.ListenAndServe(addr, metrics.Handler()); err != nil {
				log.Error("metrics server stopped", "err", err)
			}
		}()
	}

	n.AcceptRPC(echoService, echoMethod, 0, 0, false, func(peer identity.Identity, routingID uint64, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		if len(args) == 0 {
			return nil, nil
		}
		return args[0], nil
	})

	if err := n.Start(cfg.Node.Peers); err != nil {
		return fmt.Errorf("meshnode: starting node: %w", err)
	}
	log.Info("node started", "listen", cfg.Node.Listen, "peers", len(cfg.Node.Peers))

	if len(cfg.Node.Peers) > 0 {
		if n.WaitOnConnections(cfg.Node.Peers, 10*time.Second) {
			log.Warn("one or more configured peers failed to connect in time")
		}
	}

	if c.Bool("relay") {
		runRelay(n)
	}

	select {}
}

// runRelay reproduces spec.md §8 scenario 1: fan an echo RPC out four
// times and print each reply as soon as it arrives, regardless of
// which peer answered first.
func runRelay(n *node.Node) {
	rpcs := make([]*future.Future, 0, 4)
	for i := 0; i < 4; i++ {
		f, err := n.SendRPC(echoService, echoMethod, uint64(i), []interface{}{fmt.Sprintf("ping-%d", i)}, nil)
		if err != nil {
			log.Warn("relay: could not send echo", "index", i, "err", err)
			continue
		}
		rpcs = append(rpcs, f)
	}

	for len(rpcs) > 0 {
		winner, err := n.WaitAnyRPC(rpcs, 10*time.Second)
		if err != nil {
			log.Warn("relay: wait_any_rpc timed out", "err", err)
			return
		}
		result, _ := winner.Results()
		fmt.Printf("relay: got %v\n", result)

		remaining := rpcs[:0]
		for _, f := range rpcs {
			if f != winner {
				remaining = append(remaining, f)
			}
		}
		rpcs = remaining
	}
}

func configureLogging(cfg *config.Config) {
	if cfg.Log.File != "" {
		log.SetDefault(log.NewFileHandler(cfg.Log.File, 100, 3, 28))
	}
}

func identityFor(listenAddr string) (identity.Identity, error) {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("meshnode: invalid listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("meshnode: invalid listen port in %q: %w", listenAddr, err)
	}
	return identity.Identity{Host: host, Port: port}, nil
}
