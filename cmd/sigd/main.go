package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rfagundes/sigd/internal/config"
	"github.com/rfagundes/sigd/internal/daemon"
	"github.com/rfagundes/sigd/internal/session"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.sigd/config.toml)")
	accountFlag := flag.String("account", "", "account number (overrides config)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = session.ConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config %s: %v\n", configPath, err)
		os.Exit(1)
	}
	if *accountFlag != "" {
		cfg.Account = *accountFlag
	}
	if err := session.ValidateAccount(cfg.Account); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
	)

	app.Run()
}
