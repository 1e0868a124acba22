package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli"

	"ssrelay/internal/cipher"
	"ssrelay/internal/config"
	"ssrelay/internal/logging"
	"ssrelay/internal/metrics"
	"ssrelay/internal/server"
	"ssrelay/internal/tui"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "ssrelay"
	app.Usage = "AEAD tunneling proxy relay server"
	app.Version = VERSION
	app.Commands = []cli.Command{
		serveCommand,
		configureCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "run the relay server",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "config,c",
			Value: "ssrelay.json",
			Usage: "path to the JSON configuration file",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return err
		}

		logger := logging.New(cfg.LogLevel)

		manager, err := cipher.NewManager(cfg.PortKeys())
		if err != nil {
			return fmt.Errorf("build cipher manager: %w", err)
		}

		m := metrics.New()
		srv := server.New(cfg, manager, logger, m)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger.Info("starting ssrelay", "ports", len(cfg.Entries))
		return srv.Run(ctx)
	},
}

var configureCommand = cli.Command{
	Name:  "configure",
	Usage: "interactively edit the configuration file",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "config,c",
			Value: "ssrelay.json",
			Usage: "path to the JSON configuration file",
		},
	},
	Action: func(c *cli.Context) error {
		path := c.String("config")
		cfg, err := config.Load(path)
		if err != nil {
			cfg = &config.Config{}
		}

		p := tea.NewProgram(tui.New(path, cfg))
		_, err = p.Run()
		return err
	},
}
