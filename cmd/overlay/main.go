// Command overlay runs an overlay node and talks to the overlay network.
package main

import (
	"fmt"
	"os"

	"github.com/bsv-blockchain/go-overlay/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "overlay",
		Usage: "peer-to-peer overlay node with local discovery, gossip and a DHT",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   config.DefaultPath,
				Usage:   "configuration file, created with defaults when missing",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{
			startCommand(),
			announceCommand(),
			lookupCommand(),
			publishCommand(),
			configCommand(),
		},
		Action: unknownCommand,
	}
}

// unknownCommand runs when no command matched.
func unknownCommand(c *cli.Context) error {
	if c.Args().Present() {
		return cli.Exit(fmt.Sprintf("Unknown command: %s", c.Args().First()), 1)
	}

	return cli.ShowAppHelp(c)
}

func newLogger(c *cli.Context) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return logger, nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Failed to load configuration: %v", err), 1)
	}

	return cfg, nil
}
