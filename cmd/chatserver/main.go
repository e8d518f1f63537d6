package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/groupchat/internal/config"
	"github.com/danmuck/groupchat/internal/logging"
	"github.com/danmuck/groupchat/internal/server"
)

func main() {
	path := flag.String("config", "", "config path (defaults to $"+config.EnvConfigPath+")")
	flag.Parse()

	logging.ConfigureRuntime()
	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "chatserver: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg := server.DefaultServiceConfig()
	if path == "" {
		path = config.PathFromEnv("")
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	svc, err := server.NewService(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}
