// Command relaybot is the tracker engine's process entrypoint: load
// configuration, open the store, wire the engine, and optionally serve
// the control surface, until interrupted. A single long-running service
// process, with no generator or scaffolding subcommands to dispatch
// between.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaybot/tracker/internal/config"
	"github.com/relaybot/tracker/internal/control"
	"github.com/relaybot/tracker/internal/engine"
	"github.com/relaybot/tracker/internal/testchat"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relaybot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the engine's YAML configuration file")
	flag.Parse()

	logger := log.New(os.Stderr, "relaybot ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// No wire protocol to the chat service is specified by this
	// engine (it is out of scope per the purpose & scope section);
	// a production deployment supplies its own chatclient.Client
	// adapter. testchat stands in here so the process is runnable
	// out of the box.
	client := testchat.New()

	eng, err := engine.New(cfg, client, logger)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}
	defer eng.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Control.Enabled {
		srv, err := control.NewServer(cfg.Control.Addr, cfg.Control.AdminToken, logger)
		if err != nil {
			return fmt.Errorf("construct control surface: %w", err)
		}
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				logger.Printf("control surface: %v", err)
			}
		}()
	}

	logger.Printf("engine starting (database=%s)", cfg.Database)
	eng.Run(ctx)
	logger.Printf("engine stopped")
	return nil
}
