package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	overlay "github.com/bsv-blockchain/go-overlay"
	"github.com/bsv-blockchain/go-overlay/internal/config"
	"github.com/bsv-blockchain/go-overlay/internal/fileserver"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var waitFlag = &cli.DurationFlag{
	Name:  "wait",
	Value: 10 * time.Second,
	Usage: "time to discover peers before talking to the network",
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "run the node and the static file server",
		Action: func(c *cli.Context) error {
			logger, err := newLogger(c)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			node, err := overlay.NewNode(ctx, logger, cfg.NodeConfig("overlay"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			if err := node.Start(ctx); err != nil {
				_ = node.Stop(context.Background())
				return cli.Exit(err.Error(), 1)
			}

			for _, topic := range cfg.P2P.Topics {
				if err := node.SetTopicHandler(ctx, topic, func(_ context.Context, msg []byte, from string) {
					logger.Infof("[%s] %s: %s", topic, from, msg)
				}); err != nil {
					logger.Errorf("failed to subscribe to %s: %v", topic, err)
				}
			}

			if cfg.Throttling.Enabled {
				logger.Infof("bandwidth limits: up %s, down %s",
					config.FormatRate(uint64(cfg.UploadRate())), config.FormatRate(uint64(cfg.DownloadRate())))
			}

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return fileserver.New(cfg.HTMLDir, cfg.UploadRate(), cfg.BurstBytes(), logger).
					ListenAndServe(gctx, cfg.HTTPAddress)
			})

			g.Go(func() error {
				<-gctx.Done()
				return node.Stop(context.Background())
			})

			if err := g.Wait(); err != nil {
				return cli.Exit(err.Error(), 1)
			}

			return nil
		},
	}
}

// withNode starts a short-lived node on a free port, waits for discovery and runs fn.
func withNode(c *cli.Context, fn func(ctx context.Context, node overlay.NodeI, logger *logrus.Logger) error) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc := cfg.NodeConfig("overlay-cli")
	nc.Port = 0

	node, err := overlay.NewNode(ctx, logger, nc)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	defer func() { _ = node.Stop(context.Background()) }()

	if err := node.Start(ctx); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	select {
	case <-time.After(c.Duration("wait")):
	case <-ctx.Done():
		return nil
	}

	logger.Debugf("%d peers connected", len(node.ConnectedPeers()))

	return fn(ctx, node, logger)
}

func announceCommand() *cli.Command {
	return &cli.Command{
		Name:      "announce",
		Usage:     "announce this node as provider of a content id",
		ArgsUsage: "<content_id>",
		Flags:     []cli.Flag{waitFlag},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("Usage: overlay announce <content_id>", 1)
			}

			contentID := c.Args().First()

			return withNode(c, func(ctx context.Context, node overlay.NodeI, _ *logrus.Logger) error {
				return announce(ctx, c.App.Writer, node, contentID)
			})
		},
	}
}

// announce reports a failed announcement instead of returning it: an isolated node is
// a normal outcome for the command.
func announce(ctx context.Context, w io.Writer, node overlay.NodeI, contentID string) error {
	if err := node.Announce(ctx, contentID); err != nil {
		fmt.Fprintf(w, "announcement of %s not confirmed: %v\n", contentID, err)
		return nil
	}

	fmt.Fprintf(w, "announced %s\n", contentID)

	return nil
}

func lookupCommand() *cli.Command {
	return &cli.Command{
		Name:      "lookup",
		Usage:     "find a provider of a content id",
		ArgsUsage: "<content_id>",
		Flags:     []cli.Flag{waitFlag},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("Usage: overlay lookup <content_id>", 1)
			}

			contentID := c.Args().First()

			return withNode(c, func(ctx context.Context, node overlay.NodeI, _ *logrus.Logger) error {
				return lookup(ctx, c.App.Writer, node, contentID)
			})
		},
	}
}

func lookup(ctx context.Context, w io.Writer, node overlay.NodeI, contentID string) error {
	provider, err := node.Lookup(ctx, contentID)
	if err != nil {
		fmt.Fprintf(w, "no provider for %s: %v\n", contentID, err)
		return nil
	}

	fmt.Fprintf(w, "%s provided by %s until %s\n",
		contentID, provider.Publisher, provider.Expires.Format(time.RFC3339))

	for _, addr := range provider.Addrs {
		fmt.Fprintf(w, "  %s/p2p/%s\n", addr, provider.Publisher)
	}

	return nil
}

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "publish a message on a topic",
		ArgsUsage: "<topic> <message>",
		Flags:     []cli.Flag{waitFlag},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("Usage: overlay publish <topic> <message>", 1)
			}

			topic, msg := c.Args().Get(0), c.Args().Get(1)

			return withNode(c, func(ctx context.Context, node overlay.NodeI, logger *logrus.Logger) error {
				return publish(ctx, node, logger, topic, msg, time.Second)
			})
		},
	}
}

// publish sends msg and gives the send queues drain time before the node stops.
func publish(ctx context.Context, node overlay.NodeI, logger *logrus.Logger, topic, msg string, drain time.Duration) error {
	if err := node.Publish(ctx, topic, []byte(msg)); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	logger.Infof("published to %d peers", len(node.ConnectedPeers()))

	select {
	case <-time.After(drain):
	case <-ctx.Done():
	}

	return nil
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "inspect the configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "print the effective configuration",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}

					fmt.Fprint(c.App.Writer, cfg.String())

					return nil
				},
			},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Present() {
				return cli.Exit(fmt.Sprintf("Unknown config command: %s", c.Args().First()), 1)
			}

			return cli.ShowSubcommandHelp(c)
		},
	}
}
