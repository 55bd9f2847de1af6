package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/chatkit/internal/config"
	"github.com/matheus3301/chatkit/internal/daemon"
	"github.com/matheus3301/chatkit/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.chatkit/config.toml)")
	consoleFlag := flag.Bool("console", false, "also log to stderr")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = session.ConfigPath()
	}
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(fmt.Errorf("%s: %w", configPath, err))
	}

	sessionName := *sessionFlag
	if sessionName == "" {
		sessionName = cfg.DefaultSession
	}
	if sessionName == "" {
		sessionName = session.DefaultName
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			Config:      *cfg,
			Console:     *consoleFlag,
		}),
		fx.NopLogger,
	)
	app.Run()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
